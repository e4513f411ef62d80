package link

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestHandshakeAndSteadyStateRoundTrip(t *testing.T) {
	base, err := identity.NewSelfRelation(identity.RolePeer)
	require.NoError(t, err)
	peripheral, err := identity.NewSelfRelation(identity.RolePeripheral)
	require.NoError(t, err)

	// Link.Listen doesn't expose the ephemeral port it bound, so this test
	// drives both sides through a fixed loopback port instead of ":0".
	addr := "127.0.0.1:19301"
	incoming, bn, err := Listen(context.Background(), addr, base, testLogger())
	require.NoError(t, err)
	bn.Set("test-base")

	basePub, err := base.Relation()
	require.NoError(t, err)

	clientDone := make(chan *Link, 1)
	clientErr := make(chan error, 1)
	go func() {
		pub, err := basePub.Id.PublicKey()
		if err != nil {
			clientErr <- err
			return
		}
		l, err := Connect(context.Background(), addr, pub, &basePub, peripheral, testLogger())
		if err != nil {
			clientErr <- err
			return
		}
		clientDone <- l
	}()

	var serverLink *Link
	select {
	case serverLink = <-incoming:
	case err := <-clientErr:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound link")
	}

	var clientLink *Link
	select {
	case clientLink = <-clientDone:
	case err := <-clientErr:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	peripheralRelation, err := peripheral.Relation()
	require.NoError(t, err)
	require.Equal(t, peripheralRelation, serverLink.Remote)
	require.Equal(t, basePub, clientLink.Remote)

	msg := wire.RouterMsg(wire.RouterMessage{Pending: &struct{}{}})
	require.NoError(t, clientLink.Send(msg))

	select {
	case got := <-serverLink.Recv():
		require.NotNil(t, got.Router)
		require.NotNil(t, got.Router.Pending)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	clientLink.Terminate()
	serverLink.Terminate()
}

func TestRelationBase64RoundTrip(t *testing.T) {
	self, err := identity.NewSelfRelation(identity.RolePeripheral)
	require.NoError(t, err)
	rel, err := self.Relation()
	require.NoError(t, err)

	encoded := rel.ToBase64()
	decoded, err := identity.RelationFromBase64(encoded)
	require.NoError(t, err)
	require.Equal(t, rel, decoded)
}
