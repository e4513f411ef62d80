// Package sender defines the message envelope every component sends into
// the Processor's queue, and a typed Sender helper that wraps enqueuing
// with per-subsystem convenience constructors. It also defines Command,
// the tagged enum of operator/settings actions behind every settings row.
//
// sender has no dependency on the processor package: every component holds
// only a *Sender, never a handle back to another component.
package sender

import (
	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/link"
	"github.com/spider-net/spider/wire"
)

// Message is the single envelope type flowing through the Processor's
// receive queue.
type Message struct {
	RemoteMessage   *RemoteMessageMsg
	NewIncomingLink *NewIncomingLinkMsg
	LinkEstablished *LinkEstablishedMsg
	LinkClosed      *LinkClosedMsg
	AddrUpdate      *wire.AddrUpdateMsg
	PeerAddrs       *PeerAddrsMsg
	Command         *Command
	Upkeep          *struct{}
}

// RemoteMessageMsg is a decoded wire.Message that arrived over an approved
// link, tagged with the link's known remote relation as stamped by the
// handshake rather than anything the payload claims.
type RemoteMessageMsg struct {
	From identity.Relation
	Msg  wire.Message
}

// NewIncomingLinkMsg is a freshly accepted, not-yet-authorized link handed
// from the listener to the router.
type NewIncomingLinkMsg struct {
	Link *link.Link
}

// LinkEstablishedMsg is an outbound connection the router completed itself
// (a Chord-resolved peer, or an operator-approved pending destination); it
// is treated as pre-approved.
type LinkEstablishedMsg struct {
	Link *link.Link
}

type LinkClosedMsg struct {
	Relation identity.Relation
}

// PeerAddrsMsg is a periodic snapshot of a chord's recently seen peer
// addresses, collected on upkeep.
type PeerAddrsMsg struct {
	ChordName string
	Addrs     []string
}

// Sender wraps a bounded send to the Processor's queue.
type Sender struct {
	queue chan Message
}

const Capacity = 50

func New(queue chan Message) *Sender {
	return &Sender{queue: queue}
}

func NewQueue() chan Message {
	return make(chan Message, Capacity)
}

func (s *Sender) Send(m Message) {
	s.queue <- m
}

func (s *Sender) TrySend(m Message) bool {
	select {
	case s.queue <- m:
		return true
	default:
		return false
	}
}

func (s *Sender) RemoteMessage(from identity.Relation, msg wire.Message) {
	s.Send(Message{RemoteMessage: &RemoteMessageMsg{From: from, Msg: msg}})
}

func (s *Sender) NewIncomingLink(l *link.Link) {
	s.Send(Message{NewIncomingLink: &NewIncomingLinkMsg{Link: l}})
}

func (s *Sender) LinkEstablished(l *link.Link) {
	s.Send(Message{LinkEstablished: &LinkEstablishedMsg{Link: l}})
}

func (s *Sender) LinkClosed(rel identity.Relation) {
	s.Send(Message{LinkClosed: &LinkClosedMsg{Relation: rel}})
}

func (s *Sender) AddrUpdate(id identity.NodeId, addr string) {
	s.Send(Message{AddrUpdate: &wire.AddrUpdateMsg{Id: id, Addr: addr}})
}

func (s *Sender) PeerAddrs(chordName string, addrs []string) {
	s.Send(Message{PeerAddrs: &PeerAddrsMsg{ChordName: chordName, Addrs: addrs}})
}

// Upkeep enqueues a tick without blocking; a full queue skips the tick
// rather than stalling the ticker behind a backed-up dispatch loop.
func (s *Sender) Upkeep() bool {
	return s.TrySend(Message{Upkeep: &struct{}{}})
}

func (s *Sender) Command(c Command) {
	s.Send(Message{Command: &c})
}
