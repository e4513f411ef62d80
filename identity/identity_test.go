package identity

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelationBase64RoundTrip(t *testing.T) {
	for _, role := range []Role{RolePeer, RolePeripheral} {
		self, err := NewSelfRelation(role)
		require.NoError(t, err)
		rel, err := self.Relation()
		require.NoError(t, err)

		decoded, err := RelationFromBase64(rel.ToBase64())
		require.NoError(t, err)
		require.Equal(t, rel, decoded)
	}
}

func TestRelationFromBase64Rejects(t *testing.T) {
	_, err := RelationFromBase64("not base64!!!")
	require.Error(t, err)

	_, err = RelationFromBase64(base64.StdEncoding.EncodeToString([]byte{0}))
	require.Error(t, err, "too short to hold a key and a role tag")

	// A valid key with an out-of-range role tag.
	self, err := NewSelfRelation(RolePeer)
	require.NoError(t, err)
	id, err := self.NodeId()
	require.NoError(t, err)
	buf := append(id.Bytes(), 0x7f)
	_, err = RelationFromBase64(base64.StdEncoding.EncodeToString(buf))
	require.Error(t, err)
}

func TestSelfRelationPKCS8RoundTrip(t *testing.T) {
	self, err := NewSelfRelation(RolePeripheral)
	require.NoError(t, err)

	der, err := self.PKCS8()
	require.NoError(t, err)

	restored, err := SelfRelationFromPKCS8(RolePeripheral, der)
	require.NoError(t, err)

	origId, err := self.NodeId()
	require.NoError(t, err)
	restoredId, err := restored.NodeId()
	require.NoError(t, err)
	require.Equal(t, origId, restoredId)
}

func TestNewNodeIdValidatesDER(t *testing.T) {
	_, err := NewNodeId([]byte("garbage"))
	require.Error(t, err)

	self, err := NewSelfRelation(RolePeer)
	require.NoError(t, err)
	id, err := self.NodeId()
	require.NoError(t, err)
	again, err := NewNodeId(id.Bytes())
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestNodeIdJSONRoundTrip(t *testing.T) {
	self, err := NewSelfRelation(RolePeer)
	require.NoError(t, err)
	id, err := self.NodeId()
	require.NoError(t, err)

	b, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded NodeId
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, id, decoded, "DER bytes must survive JSON unchanged")
}
