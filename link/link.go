// Package link implements the per-connection encrypted, framed, duplex
// session between any two network members. A Link owns its socket
// exclusively; callers interact with it purely through typed send/recv
// queues.
package link

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// QueueCapacity bounds every link-visible queue. A full queue is not
// reported as an error: Send blocks until a slot frees or the link closes,
// and the read loop blocks until the recv queue has room.
const QueueCapacity = 50

var (
	ErrClosed             = errors.New("link: closed")
	ErrIdentityMismatch   = errors.New("link: remote identity did not match expectation")
	ErrDuplicateIntroduce = errors.New("link: second introduction after handshake")
	ErrNoBroadcastName    = errors.New("link: listener is not broadcasting a name")
)

// Link is a live, encrypted, bidirectional session with exactly one other
// network member.
type Link struct {
	log    *logrus.Entry
	Self   identity.SelfRelation
	Remote identity.Relation

	conn net.Conn

	sendCh chan wire.Message
	recvCh chan wire.Message

	recvMu    sync.Mutex
	recvTaken bool

	cancel context.CancelFunc
	done   chan struct{}

	sendErrOnce sync.Once
	sendErr     error
}

// Connect dials addr, performs the connector side of the handshake against
// remotePub, and optionally enforces that the remote identifies itself as
// expectedRemote.
func Connect(ctx context.Context, addr string, remotePub *rsa.PublicKey, expectedRemote *identity.Relation, self identity.SelfRelation, log *logrus.Entry) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}
	l, err := connectorHandshake(conn, remotePub, expectedRemote, self, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// BroadcastName is the listener's opt-in knob for answering KEY_REQUEST
// probes. Nil means "stay silent".
type BroadcastName struct {
	mu   sync.Mutex
	name *string
}

func (b *BroadcastName) Set(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = &name
}

func (b *BroadcastName) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.name = nil
}

func (b *BroadcastName) Get() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.name == nil {
		return "", false
	}
	return *b.name, true
}

// Listen accepts inbound TCP connections on addr, handshaking each as the
// listener side, and streams completed links out. The returned
// BroadcastName starts silent.
func Listen(ctx context.Context, addr string, self identity.SelfRelation, log *logrus.Entry) (<-chan *Link, *BroadcastName, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("link: listen %s: %w", addr, err)
	}
	bn := &BroadcastName{}
	out := make(chan *Link)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		defer close(out)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("link: accept failed")
				continue
			}
			go func() {
				l, err := listenerHandshake(conn, self, bn, log)
				if err != nil {
					log.WithError(err).Debug("link: inbound handshake failed")
					conn.Close()
					return
				}
				if l == nil {
					// KEY_REQUEST was served; nothing more to do.
					return
				}
				select {
				case out <- l:
				case <-ctx.Done():
					l.Terminate()
				}
			}()
		}
	}()

	return out, bn, nil
}

func newLink(conn net.Conn, fr *frameReader, self identity.SelfRelation, remote identity.Relation, ownCipher, otherCipher *streamCipher, log *logrus.Entry) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		log:    log.WithField("remote", remote.ToBase64()),
		Self:   self,
		Remote: remote,
		conn:   conn,
		sendCh: make(chan wire.Message, QueueCapacity),
		recvCh: make(chan wire.Message, QueueCapacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.writeLoop(ctx, ownCipher)
	go l.readLoop(ctx, fr, otherCipher)
	return l
}

func (l *Link) writeLoop(ctx context.Context, cipher *streamCipher) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.sendCh:
			if !ok {
				return
			}
			plaintext, err := json.Marshal(wire.Protocol{Message: &msg})
			if err != nil {
				l.log.WithError(err).Error("link: failed to marshal outbound message")
				continue
			}
			ct := cipher.seal(plaintext)
			if err := writeFrame(l.conn, wire.Frame{Data: ct}); err != nil {
				l.log.WithError(err).Warn("link: write failed, terminating")
				l.fail(err)
				return
			}
		}
	}
}

func (l *Link) readLoop(ctx context.Context, fr *frameReader, cipher *streamCipher) {
	defer close(l.done)
	defer close(l.recvCh)
	defer l.conn.Close()
	// The handshake already read the remote's Introduction.
	introduced := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := fr.next()
		if err != nil {
			l.log.WithError(err).Debug("link: closing (eof)")
			return
		}
		plaintext, err := cipher.open(frame.Data)
		if err != nil {
			l.log.WithError(err).Warn("link: decrypt failure, terminating link")
			return
		}
		var proto wire.Protocol
		if err := json.Unmarshal(plaintext, &proto); err != nil {
			l.log.WithError(err).Warn("link: malformed protocol payload, terminating link")
			return
		}
		if proto.Introduction != nil {
			if introduced {
				l.log.Warn("link: duplicate introduction, terminating link")
				return
			}
			introduced = true
			continue
		}
		if proto.Message == nil {
			continue
		}
		select {
		case l.recvCh <- *proto.Message:
		case <-ctx.Done():
			return
		default:
			// recv queue full: back off by blocking briefly rather than
			// dropping silently, but never indefinitely once cancelled.
			select {
			case l.recvCh <- *proto.Message:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Send enqueues msg for delivery. It never blocks beyond queue capacity and
// reports an error once the background task has exited.
func (l *Link) Send(msg wire.Message) error {
	select {
	case l.sendCh <- msg:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Recv returns the inbound message channel, in arrival order.
func (l *Link) Recv() <-chan wire.Message {
	return l.recvCh
}

// TakeRecv marks the receive channel as owned by a caller (the Router,
// spawning a per-link reader task) and returns it. The Link keeps the same
// channel, so Recv still returns it; calling Recv or TakeRecv again
// afterwards is the caller's error.
func (l *Link) TakeRecv() <-chan wire.Message {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	l.recvTaken = true
	return l.recvCh
}

// Terminate cancels the background tasks and closes the socket. The recv
// queue closes once the read loop exits; messages still in the send queue
// are dropped.
func (l *Link) Terminate() {
	l.cancel()
	l.conn.Close()
}

// RemoteAddr is the underlying socket's peer address, used by the listener
// for per-source rate limiting.
func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// Done is closed once the read loop has exited (socket closed, or a fatal
// per-link error occurred).
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) fail(err error) {
	l.sendErrOnce.Do(func() { l.sendErr = err })
	l.Terminate()
}
