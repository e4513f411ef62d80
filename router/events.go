package router

import (
	"context"
	"time"

	"github.com/spider-net/spider/dataset"
	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/state"
	"github.com/spider-net/spider/wire"
)

// HandleRemoteMessage dispatches one decoded wire.Message that arrived over
// an approved link.
func (r *Router) HandleRemoteMessage(from identity.Relation, msg wire.Message) {
	switch {
	case msg.Router != nil:
		r.handleRouterMessage(from, *msg.Router)
	case msg.Ui != nil:
		r.handleUiMessage(from, *msg.Ui)
	case msg.Dataset != nil:
		r.handleDatasetMessage(from, *msg.Dataset)
	}
}

func (r *Router) handleRouterMessage(from identity.Relation, m wire.RouterMessage) {
	switch {
	case m.SetIdentityProperty != nil:
		// The only directory key a remote may write about itself is its
		// self-chosen display name.
		if m.SetIdentityProperty.Key == "name" {
			entry := r.sd.UpsertDirectoryProperty(from, "name", m.SetIdentityProperty.Value)
			r.broadcastDirectoryAdd(entry)
			r.registerDirectorySetting(from)
		}
	case m.AddIdentity != nil:
		entry := r.sd.EnsureDirectoryEntry(m.AddIdentity.Relation)
		for k, v := range m.AddIdentity.Properties {
			entry = r.sd.UpsertDirectoryProperty(m.AddIdentity.Relation, k, v)
		}
		r.broadcastDirectoryAdd(entry)
	case m.RemoveIdentity != nil:
		r.sd.RemoveDirectoryEntry(m.RemoveIdentity.Relation)
		r.broadcastDirectoryRemove(m.RemoveIdentity.Relation)
	case m.DirectorySubscribe != nil:
		if from.IsPeer() {
			// The directory names this base's peripherals; peers never
			// see it.
			return
		}
		r.mu.Lock()
		r.directorySubs[from.ToBase64()] = from
		r.mu.Unlock()
		for _, entry := range r.sd.Directory() {
			_ = r.SendTo(from, wire.RouterMsg(wire.RouterMessage{AddIdentity: &wire.AddIdentityMsg{
				Relation: entry.Relation, Properties: entry.Properties,
			}}))
		}
	case m.SendEvent != nil:
		r.SendEvent(from, *m.SendEvent)
	case m.Event != nil:
		r.deliverEventLocally(from, *m.Event)
	case m.SubscribeEvent != nil:
		if from.IsPeer() {
			// Peers are rejected from Subscribe/Unsubscribe to prevent
			// loops.
			return
		}
		r.mu.Lock()
		if r.eventSubs[m.SubscribeEvent.Name] == nil {
			r.eventSubs[m.SubscribeEvent.Name] = map[string]identity.Relation{}
		}
		r.eventSubs[m.SubscribeEvent.Name][from.ToBase64()] = from
		r.mu.Unlock()
	case m.UnsubscribeEvent != nil:
		if from.IsPeer() {
			return
		}
		r.mu.Lock()
		delete(r.eventSubs[m.UnsubscribeEvent.Name], from.ToBase64())
		if len(r.eventSubs[m.UnsubscribeEvent.Name]) == 0 {
			delete(r.eventSubs, m.UnsubscribeEvent.Name)
		}
		r.mu.Unlock()
	case m.GetAdvertOf != nil:
		r.replyAdvertOf(from, m.GetAdvertOf.Id)
	case m.AddrUpdate != nil:
		r.mu.Lock()
		r.chordAddrs.Add(string(m.AddrUpdate.Id), m.AddrUpdate.Addr)
		r.mu.Unlock()
	}
}

func (r *Router) handleUiMessage(from identity.Relation, m wire.UiMessage) {
	if from.IsPeer() {
		// Only peripherals own pages; UI messages from a peer are
		// discarded.
		return
	}
	owner := from.Id
	switch {
	case m.SetPage != nil:
		r.ui.SetPage(owner, m.SetPage.Page)
	case m.Subscribe != nil:
		r.ui.Subscribe(owner, from)
	case m.Unsubscribe != nil:
		r.ui.Unsubscribe(owner, from)
	case m.InputFor != nil:
		r.ui.InputFor(m.InputFor.OwnerId, *m.InputFor)
	}
}

func (r *Router) handleDatasetMessage(from identity.Relation, m wire.DatasetMessage) {
	if r.ds == nil {
		return
	}
	owner := from.Id
	switch {
	case m.Append != nil:
		_ = r.ds.Append(dataset.Resolve(m.Append.Path, owner), m.Append.Data)
	case m.Extend != nil:
		_ = r.ds.Extend(dataset.Resolve(m.Extend.Path, owner), m.Extend.Data)
	case m.SetElement != nil:
		_ = r.ds.SetElement(dataset.Resolve(m.SetElement.Path, owner), m.SetElement.Index, m.SetElement.Data)
	case m.SetElements != nil:
		_ = r.ds.SetElements(dataset.Resolve(m.SetElements.Path, owner), m.SetElements.Index, m.SetElements.Data)
	case m.DeleteElement != nil:
		_ = r.ds.DeleteElement(dataset.Resolve(m.DeleteElement.Path, owner), m.DeleteElement.Index)
	case m.Empty != nil:
		_ = r.ds.Empty(dataset.Resolve(m.Empty.Path, owner))
	case m.Subscribe != nil:
		r.ds.SubscribePeripheral(m.Subscribe.Path, owner, from)
	}
}

// SendEvent fans an event out in two passes: first to every subscriber of
// the event name, then to each requested external relation not already
// covered by the first pass. An external with
// no open link gets the event buffered into its pending-outbound entry, to
// be flushed once a Chord-resolved connection succeeds. Events are never
// relayed peer-to-peer — each base only forwards events it received from
// its own peripherals, which bounds relay depth across the peer mesh with
// no hop-count field in the wire format.
func (r *Router) SendEvent(from identity.Relation, m wire.SendEventMsg) {
	out := wire.RouterMsg(wire.RouterMessage{Event: &wire.EventMsg{Name: m.Name, From: from, Data: m.Data}})

	r.mu.Lock()
	subs := make([]identity.Relation, 0, len(r.eventSubs[m.Name]))
	for _, rel := range r.eventSubs[m.Name] {
		subs = append(subs, rel)
	}
	r.mu.Unlock()

	delivered := map[string]bool{}
	for _, rel := range subs {
		if rel == from {
			continue
		}
		if rel.IsPeer() && from.IsPeer() {
			continue
		}
		if r.SendTo(rel, out) == nil {
			delivered[rel.ToBase64()] = true
		}
	}

	for _, ext := range m.Externals {
		if ext == from || delivered[ext.ToBase64()] {
			continue
		}
		if ext.IsPeer() && from.IsPeer() {
			continue
		}
		if r.SendTo(ext, out) == nil {
			continue
		}
		r.queueOutbound(ext, out)
		go r.ResolveAndConnect(context.Background(), ext)
	}
}

// queueOutbound buffers msg for a destination with no open link, creating or
// refreshing its pending-outbound entry. A fresh message resets the retry
// budget and the backoff clock so the next upkeep tick attempts resolution
// immediately.
func (r *Router) queueOutbound(rel identity.Relation, msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rel.ToBase64()
	p, ok := r.outbound[key]
	if !ok {
		p = &outboundPending{remote: rel}
		r.outbound[key] = p
	}
	if len(p.backlog) >= outboundBacklogCap {
		r.log.WithField("remote", rel).Warn("router: pending backlog full, dropping event")
		return
	}
	p.backlog = append(p.backlog, msg)
	p.attempts = 0
	p.lastAttempt = time.Time{}
}

// deliverEventLocally fans an event a peer forwarded to us out to our own
// peripheral subscribers. from is the transport-verified sender of the link
// this arrived on; the wire-supplied e.From is attacker-settable and is
// always overwritten with it before re-emitting.
func (r *Router) deliverEventLocally(from identity.Relation, e wire.EventMsg) {
	e.From = from
	r.mu.Lock()
	subs := r.eventSubs[e.Name]
	targets := make([]identity.Relation, 0, len(subs))
	for _, rel := range subs {
		if rel.IsPeripheral() {
			targets = append(targets, rel)
		}
	}
	r.mu.Unlock()
	out := wire.RouterMsg(wire.RouterMessage{Event: &e})
	for _, rel := range targets {
		_ = r.SendTo(rel, out)
	}
}

// SetNickname, BlockRelation, UnblockRelation, ClearDirectoryEntry are the
// operator-triggered directory mutations. Every mutation is announced to
// directory subscribers and refreshed on the settings page.
func (r *Router) SetNickname(rel identity.Relation, nickname string) {
	entry := r.sd.UpsertDirectoryProperty(rel, "nickname", nickname)
	_ = r.sd.Save()
	r.broadcastDirectoryAdd(entry)
	r.registerDirectorySetting(rel)
}

func (r *Router) BlockRelation(rel identity.Relation) {
	entry := r.sd.UpsertDirectoryProperty(rel, "blocked", "true")
	_ = r.sd.Save()
	r.broadcastDirectoryAdd(entry)
	r.registerDirectorySetting(rel)
	r.mu.Lock()
	lk, ok := r.links[rel.ToBase64()]
	r.mu.Unlock()
	if ok {
		lk.Terminate()
	}
}

func (r *Router) UnblockRelation(rel identity.Relation) {
	entry := r.sd.UpsertDirectoryProperty(rel, "blocked", "false")
	_ = r.sd.Save()
	r.broadcastDirectoryAdd(entry)
	r.registerDirectorySetting(rel)
}

// ClearDirectoryEntry forgets rel entirely: the persisted entry, any live
// link, and any subscriptions it held.
func (r *Router) ClearDirectoryEntry(rel identity.Relation) {
	r.sd.RemoveDirectoryEntry(rel)
	_ = r.sd.Save()
	r.broadcastDirectoryRemove(rel)
	r.removeDirectorySetting(rel)
	r.mu.Lock()
	lk, ok := r.links[rel.ToBase64()]
	r.mu.Unlock()
	if ok {
		lk.Terminate()
	}
}

func (r *Router) broadcastDirectoryAdd(entry state.DirectoryEntry) {
	msg := wire.RouterMsg(wire.RouterMessage{AddIdentity: &wire.AddIdentityMsg{
		Relation: entry.Relation, Properties: entry.Properties,
	}})
	for _, rel := range r.directorySubscribers() {
		_ = r.SendTo(rel, msg)
	}
}

func (r *Router) broadcastDirectoryRemove(removed identity.Relation) {
	msg := wire.RouterMsg(wire.RouterMessage{RemoveIdentity: &wire.RemoveIdentityMsg{Relation: removed}})
	for _, rel := range r.directorySubscribers() {
		if rel == removed {
			continue
		}
		_ = r.SendTo(rel, msg)
	}
}

func (r *Router) directorySubscribers() []identity.Relation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.Relation, 0, len(r.directorySubs))
	for _, rel := range r.directorySubs {
		out = append(out, rel)
	}
	return out
}

// dropSubscriptions forgets every subscription rel held once its link is
// gone, keeping the subscriber maps free of empty or dangling sets.
func (r *Router) dropSubscriptions(rel identity.Relation) {
	key := rel.ToBase64()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.directorySubs, key)
	for name, set := range r.eventSubs {
		delete(set, key)
		if len(set) == 0 {
			delete(r.eventSubs, name)
		}
	}
}

// DisplayName prefers an operator-set nickname over the relation's
// self-reported name, falling back to the relation's truncated id.
func (r *Router) DisplayName(rel identity.Relation) string {
	entry, ok := r.sd.DirectoryEntry(rel)
	if !ok {
		return rel.Id.String()
	}
	if nick := entry.Nickname(); nick != "" {
		return nick
	}
	if name := entry.Name(); name != "" {
		return name
	}
	return rel.Id.String()
}
