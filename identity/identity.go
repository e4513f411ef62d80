// Package identity implements the node identity primitives: the RSA keypair
// that gives every base and peripheral its id, the role/relation pair that
// names a network member, and the base64 wire encoding used whenever a
// relation has to travel as a string (settings rows, directory keys, log
// fields).
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// KeyBits is the RSA modulus size used for every node identity.
const KeyBits = 2048

// Role distinguishes another base (Peer) from a device or app paired to
// this base (Peripheral). Peers and peripherals are never interchangeable:
// the router uses Role to decide what a relation is allowed to do.
type Role byte

const (
	RolePeer Role = iota
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RolePeer:
		return "peer"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(%d)", byte(r))
	}
}

// NodeId is the DER-encoded 2048-bit RSA public key of a network member.
// It is compared and hashed as a plain byte slice wrapped in a string so it
// can be used as a map key.
type NodeId string

// NewNodeId validates that der is a well-formed RSA public key and wraps it.
func NewNodeId(der []byte) (NodeId, error) {
	if _, err := x509.ParsePKIXPublicKey(der); err != nil {
		return "", fmt.Errorf("identity: invalid node id: %w", err)
	}
	return NodeId(der), nil
}

func (id NodeId) Bytes() []byte { return []byte(id) }

func (id NodeId) PublicKey() (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(id.Bytes())
	if err != nil {
		return nil, fmt.Errorf("identity: corrupt node id: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("identity: node id is not an RSA key")
	}
	return rsaPub, nil
}

func (id NodeId) String() string {
	if len(id) <= 8 {
		return base64.RawStdEncoding.EncodeToString([]byte(id))
	}
	return base64.RawStdEncoding.EncodeToString([]byte(id[:8])) + "…"
}

// MarshalJSON encodes the DER bytes as base64. A NodeId is binary; letting
// it travel as a raw JSON string would corrupt any byte sequence that is
// not valid UTF-8.
func (id NodeId) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString([]byte(id)))
}

func (id *NodeId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("identity: bad node id encoding: %w", err)
	}
	*id = NodeId(raw)
	return nil
}

// Relation names a network member: what it is (Role) and who it is (NodeId).
type Relation struct {
	Role Role
	Id   NodeId
}

func (r Relation) IsPeer() bool       { return r.Role == RolePeer }
func (r Relation) IsPeripheral() bool { return r.Role == RolePeripheral }

func (r Relation) String() string {
	return fmt.Sprintf("%s:%s", r.Role, r.Id)
}

// ToBase64 encodes a relation as the public-key DER bytes followed by a
// single role tag byte, base64-standard-encoded. This is the form used as a
// map key in JSON-persisted structures (maps need string keys) and in log
// lines.
func (r Relation) ToBase64() string {
	buf := make([]byte, len(r.Id)+1)
	copy(buf, r.Id.Bytes())
	buf[len(buf)-1] = byte(r.Role)
	return base64.StdEncoding.EncodeToString(buf)
}

// RelationFromBase64 is the inverse of ToBase64.
func RelationFromBase64(s string) (Relation, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Relation{}, fmt.Errorf("identity: bad relation encoding: %w", err)
	}
	if len(buf) < 2 {
		return Relation{}, errors.New("identity: relation encoding too short")
	}
	role := Role(buf[len(buf)-1])
	if role != RolePeer && role != RolePeripheral {
		return Relation{}, fmt.Errorf("identity: unknown role tag %d", role)
	}
	id, err := NewNodeId(buf[:len(buf)-1])
	if err != nil {
		return Relation{}, err
	}
	return Relation{Role: role, Id: id}, nil
}

// SelfRelation is a Relation plus the private key material needed to act as
// that relation: decrypt handshake blobs addressed to us and sign/identify
// ourselves.
type SelfRelation struct {
	Role       Role
	PrivateKey *rsa.PrivateKey
}

// NewSelfRelation generates a fresh 2048-bit identity for the given role.
func NewSelfRelation(role Role) (SelfRelation, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return SelfRelation{}, fmt.Errorf("identity: key generation failed: %w", err)
	}
	return SelfRelation{Role: role, PrivateKey: key}, nil
}

// SelfRelationFromPKCS8 reconstructs a self relation from a persisted
// PKCS#8 DER private key, as stored in StateData.
func SelfRelationFromPKCS8(role Role, der []byte) (SelfRelation, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return SelfRelation{}, fmt.Errorf("identity: corrupt private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return SelfRelation{}, errors.New("identity: private key is not RSA")
	}
	return SelfRelation{Role: role, PrivateKey: rsaKey}, nil
}

// PKCS8 serializes the private key for persistence in StateData.
func (s SelfRelation) PKCS8() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(s.PrivateKey)
}

// NodeId derives the public NodeId from the held private key.
func (s SelfRelation) NodeId() (NodeId, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.PrivateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("identity: failed to marshal public key: %w", err)
	}
	return NodeId(der), nil
}

// Relation is the public (Role, NodeId) pair others see for this identity.
func (s SelfRelation) Relation() (Relation, error) {
	id, err := s.NodeId()
	if err != nil {
		return Relation{}, err
	}
	return Relation{Role: s.Role, Id: id}, nil
}
