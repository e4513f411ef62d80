package link

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// connectorHandshake is the dialing side: send our stream config and
// introduction, then read and validate the listener's.
func connectorHandshake(conn net.Conn, remotePub *rsa.PublicKey, expectedRemote *identity.Relation, self identity.SelfRelation, log *logrus.Entry) (*Link, error) {
	ownSC, err := newStreamConfig()
	if err != nil {
		return nil, err
	}

	// Step 1: send our StreamConfig, RSA-wrapped under the remote's
	// advertised public key.
	wrapped, err := rsaWrap(remotePub, ownSC.bytes())
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, wire.Frame{Data: wrapped}); err != nil {
		return nil, fmt.Errorf("link: connector: sending stream config: %w", err)
	}

	ownCipher, err := newStreamCipher(ownSC)
	if err != nil {
		return nil, err
	}

	// Step 2: send our Introduction, encrypted under our own symmetric key.
	selfId, err := self.NodeId()
	if err != nil {
		return nil, err
	}
	intro := wire.Protocol{Introduction: &wire.Introduction{Id: selfId.Bytes(), Role: byte(self.Role)}}
	introBytes, err := json.Marshal(intro)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, wire.Frame{Data: ownCipher.seal(introBytes)}); err != nil {
		return nil, fmt.Errorf("link: connector: sending introduction: %w", err)
	}

	fr := newFrameReader(conn, log)

	// Step 5 (listener's half): read the listener's StreamConfig, RSA-wrapped
	// under our own public key, and its Introduction encrypted under it.
	scFrame, err := fr.next()
	if err != nil {
		return nil, fmt.Errorf("link: connector: reading listener stream config: %w", err)
	}
	scPlain, err := rsaUnwrap(self.PrivateKey, scFrame.Data)
	if err != nil {
		return nil, err
	}
	otherSC, err := streamConfigFromBytes(scPlain)
	if err != nil {
		return nil, err
	}
	otherCipher, err := newStreamCipher(otherSC)
	if err != nil {
		return nil, err
	}

	introFrame, err := fr.next()
	if err != nil {
		return nil, fmt.Errorf("link: connector: reading listener introduction: %w", err)
	}
	introPlain, err := otherCipher.open(introFrame.Data)
	if err != nil {
		return nil, err
	}
	var proto wire.Protocol
	if err := json.Unmarshal(introPlain, &proto); err != nil {
		return nil, fmt.Errorf("link: connector: malformed introduction: %w", err)
	}
	if proto.Introduction == nil {
		return nil, fmt.Errorf("link: connector: expected introduction first")
	}
	remote, err := identifyRemote(*proto.Introduction)
	if err != nil {
		return nil, err
	}
	if expectedRemote != nil && *expectedRemote != remote {
		return nil, ErrIdentityMismatch
	}

	l := newLink(conn, fr, self, remote, ownCipher, otherCipher, log)
	return l, nil
}

// listenerHandshake is the accepting side: read the connector's stream
// config and introduction, then answer with our own. A nil Link with a nil
// error means a KEY_REQUEST probe was served and the connection is already
// closed.
func listenerHandshake(conn net.Conn, self identity.SelfRelation, bn *BroadcastName, log *logrus.Entry) (*Link, error) {
	fr := newFrameReader(conn, log)

	first, err := fr.next()
	if err != nil {
		return nil, fmt.Errorf("link: listener: reading first frame: %w", err)
	}
	if string(first.Data) == wire.KeyRequestToken {
		serveKeyRequest(conn, self, bn, log)
		return nil, nil
	}

	scPlain, err := rsaUnwrap(self.PrivateKey, first.Data)
	if err != nil {
		return nil, err
	}
	connectorSC, err := streamConfigFromBytes(scPlain)
	if err != nil {
		return nil, err
	}
	connectorCipher, err := newStreamCipher(connectorSC)
	if err != nil {
		return nil, err
	}

	introFrame, err := fr.next()
	if err != nil {
		return nil, fmt.Errorf("link: listener: reading introduction: %w", err)
	}
	introPlain, err := connectorCipher.open(introFrame.Data)
	if err != nil {
		return nil, err
	}
	var proto wire.Protocol
	if err := json.Unmarshal(introPlain, &proto); err != nil {
		return nil, fmt.Errorf("link: listener: malformed introduction: %w", err)
	}
	if proto.Introduction == nil {
		return nil, fmt.Errorf("link: listener: expected introduction first")
	}
	remote, err := identifyRemote(*proto.Introduction)
	if err != nil {
		return nil, err
	}

	remotePub, err := remote.Id.PublicKey()
	if err != nil {
		return nil, err
	}

	ownSC, err := newStreamConfig()
	if err != nil {
		return nil, err
	}
	wrapped, err := rsaWrap(remotePub, ownSC.bytes())
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, wire.Frame{Data: wrapped}); err != nil {
		return nil, fmt.Errorf("link: listener: sending stream config: %w", err)
	}
	ownCipher, err := newStreamCipher(ownSC)
	if err != nil {
		return nil, err
	}

	selfId, err := self.NodeId()
	if err != nil {
		return nil, err
	}
	intro := wire.Protocol{Introduction: &wire.Introduction{Id: selfId.Bytes(), Role: byte(self.Role)}}
	introBytes, err := json.Marshal(intro)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, wire.Frame{Data: ownCipher.seal(introBytes)}); err != nil {
		return nil, fmt.Errorf("link: listener: sending introduction: %w", err)
	}

	l := newLink(conn, fr, self, remote, ownCipher, connectorCipher, log)
	return l, nil
}

func identifyRemote(intro wire.Introduction) (identity.Relation, error) {
	if _, err := x509.ParsePKIXPublicKey(intro.Id); err != nil {
		return identity.Relation{}, fmt.Errorf("link: introduction carries an invalid node id: %w", err)
	}
	role := identity.Role(intro.Role)
	if role != identity.RolePeer && role != identity.RolePeripheral {
		return identity.Relation{}, fmt.Errorf("link: introduction carries an unknown role %d", intro.Role)
	}
	id, err := identity.NewNodeId(intro.Id)
	if err != nil {
		return identity.Relation{}, err
	}
	return identity.Relation{Role: role, Id: id}, nil
}
