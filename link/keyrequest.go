package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// KeyRequest opens a plain TCP connection, writes a single KEY_REQUEST
// frame, reads one reply frame, and parses it — without establishing a real
// link. Used by discovery tools to learn a base's public key.
func KeyRequest(ctx context.Context, addr string) (wire.KeyRequestReply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.KeyRequestReply{}, fmt.Errorf("link: key request dial: %w", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, wire.Frame{Data: []byte(wire.KeyRequestToken)}); err != nil {
		return wire.KeyRequestReply{}, fmt.Errorf("link: key request write: %w", err)
	}

	fr := newFrameReader(conn, logrus.NewEntry(logrus.StandardLogger()))
	frame, err := fr.next()
	if err != nil {
		return wire.KeyRequestReply{}, fmt.Errorf("link: key request read: %w", err)
	}
	var reply wire.KeyRequestReply
	if err := json.Unmarshal(frame.Data, &reply); err != nil {
		return wire.KeyRequestReply{}, fmt.Errorf("link: key request reply malformed: %w", err)
	}
	return reply, nil
}

// serveKeyRequest answers a KEY_REQUEST probe iff the listener has opted
// into broadcasting a name, then always closes.
func serveKeyRequest(conn net.Conn, self identity.SelfRelation, bn *BroadcastName, log *logrus.Entry) {
	defer conn.Close()
	name, ok := bn.Get()
	if !ok {
		return
	}
	id, err := self.NodeId()
	if err != nil {
		log.WithError(err).Error("link: key request: failed to derive own node id")
		return
	}
	reply := wire.KeyRequestReply{Key: id.Bytes(), Name: name}
	b, err := json.Marshal(reply)
	if err != nil {
		log.WithError(err).Error("link: key request: failed to marshal reply")
		return
	}
	if err := writeFrame(conn, wire.Frame{Data: b}); err != nil {
		log.WithError(err).Debug("link: key request: write failed")
	}
}
