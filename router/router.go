// Package router is the largest component: it owns the directory, the
// inbound link authorization state machine, event routing between peers and
// peripherals, Chord-mediated peer resolution, pending outbound connection
// retries, and chord membership lifecycle.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/chord"
	"github.com/spider-net/spider/dataset"
	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/link"
	"github.com/spider-net/spider/sender"
	"github.com/spider-net/spider/state"
	"github.com/spider-net/spider/ui"
	"github.com/spider-net/spider/wire"
)

// advertCacheTTL is how long a Chord-resolved address is trusted before a
// fresh GetAdvertOf round trip is made.
const advertCacheTTL = 15 * time.Second

// outboundRetryInterval and maxOutboundAttempts bound the pending-outbound
// connect retry policy: at most one attempt per interval, giving up once
// exhausted.
const (
	outboundRetryInterval = 10 * time.Second
	maxOutboundAttempts   = 10
	outboundBacklogCap    = 100
)

// chordPortLow/chordPortHigh bound the local listen port JoinChord/HostChord
// allocate from.
const (
	chordPortLow  = 1932
	chordPortHigh = 1950
)

type chordMembership struct {
	adaptor    chord.Adaptor
	listenAddr string
	advertAddr string
}

type advertCacheEntry struct {
	addr   []byte
	expiry time.Time
}

type incomingLink struct {
	lk           *link.Link
	remote       identity.Relation
	codeAttempts int
	code         string
	backlog      []wire.Message
	approved     chan struct{} // closed once the link is installed; drainPendingReads switches to forwarding
	denied       chan struct{} // closed on denial so drainPendingReads never waits on an approval that cannot come
}

type outboundPending struct {
	remote      identity.Relation
	addr        string
	attempts    int
	lastAttempt time.Time
	backlog     []wire.Message
}

type codeRecord struct {
	remote identity.Relation
	expiry time.Time
}

// Router owns every live link, the pending-authorization and
// pending-outbound-connect sets, chord memberships, and event/directory
// subscriptions.
type Router struct {
	log  *logrus.Entry
	sd   *state.StateData
	snd  *sender.Sender
	ui   *ui.Processor
	ds   *dataset.Store
	self identity.SelfRelation

	dial func(ctx context.Context, addr string, expected identity.Relation) (*link.Link, error)

	mu            sync.Mutex
	links         map[string]*link.Link
	linkRel       map[string]identity.Relation
	incoming      map[string]*incomingLink
	outbound      map[string]*outboundPending
	lateCodes     map[string]codeRecord
	approvalCodes map[string]time.Time
	eventSubs     map[string]map[string]identity.Relation
	directorySubs map[string]identity.Relation
	chords        map[string]*chordMembership
	advertCache   map[string]advertCacheEntry
	chordAddrs    *lru.Cache[string, string]

	shouldApproveUI atomic.Bool
}

// New constructs a Router. Dataset is wired in afterward via SetDataset,
// since dataset.Store itself needs the Router as its LinkSender (the two
// are mutually dependent at construction time, not at import time — see
// DESIGN.md).
func New(sd *state.StateData, snd *sender.Sender, uiProc *ui.Processor, log *logrus.Entry) *Router {
	addrs, _ := lru.New[string, string](500)
	r := &Router{
		log:           log.WithField("component", "router"),
		sd:            sd,
		snd:           snd,
		ui:            uiProc,
		self:          sd.Self(),
		links:         map[string]*link.Link{},
		linkRel:       map[string]identity.Relation{},
		incoming:      map[string]*incomingLink{},
		outbound:      map[string]*outboundPending{},
		lateCodes:     map[string]codeRecord{},
		approvalCodes: map[string]time.Time{},
		eventSubs:     map[string]map[string]identity.Relation{},
		directorySubs: map[string]identity.Relation{},
		chords:        map[string]*chordMembership{},
		advertCache:   map[string]advertCacheEntry{},
		chordAddrs:    addrs,
	}
	r.dial = r.defaultDial
	// A base with an empty directory has never paired with anyone; the
	// first pending non-peer link that sends Ui Subscribe is auto-approved
	// without a code so the first peripheral setup doesn't require an
	// out-of-band code.
	r.shouldApproveUI.Store(sd.IsEmpty())
	return r
}

// SetDataset completes construction once the dataset store exists.
func (r *Router) SetDataset(ds *dataset.Store) { r.ds = ds }

func (r *Router) defaultDial(ctx context.Context, addr string, expected identity.Relation) (*link.Link, error) {
	pub, err := expected.Id.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("router: expected remote key: %w", err)
	}
	return link.Connect(ctx, addr, pub, &expected, r.self, r.log)
}

// SendTo implements ui.LinkSender and dataset.LinkSender: deliver msg to an
// approved link, if one is open.
func (r *Router) SendTo(rel identity.Relation, msg wire.Message) error {
	r.mu.Lock()
	lk, ok := r.links[rel.ToBase64()]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("router: no open link to %s", rel)
	}
	return lk.Send(msg)
}

// consumeFirstTimeApproval atomically takes the one-shot auto-approve flag,
// true at most once per process lifetime (compare-and-set semantics).
func (r *Router) consumeFirstTimeApproval() bool {
	return r.shouldApproveUI.CompareAndSwap(true, false)
}
