package router

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spider-net/spider/chord"
	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/state"
	"github.com/spider-net/spider/wire"
)

// JoinChord allocates a local listen port, joins the named ring at
// bootstrap, and persists the membership.
func (r *Router) JoinChord(ctx context.Context, name, bootstrap string) error {
	port, err := r.allocatePort()
	if err != nil {
		return err
	}
	listenAddr := fmt.Sprintf("0.0.0.0:%d", port)

	ring := chord.NewRing()
	if err := ring.Join(ctx, bootstrap); err != nil {
		return fmt.Errorf("router: join chord %s: %w", name, err)
	}
	selfRel, err := r.self.Relation()
	if err != nil {
		return err
	}
	if err := ring.Advertise(ctx, selfRel.Id.Bytes(), []byte(listenAddr)); err != nil {
		return fmt.Errorf("router: advertise on chord %s: %w", name, err)
	}

	r.mu.Lock()
	r.chords[name] = &chordMembership{adaptor: ring, listenAddr: listenAddr, advertAddr: listenAddr}
	r.mu.Unlock()

	r.sd.SetChord(name, state.ChordSnapshot{ListenAddr: listenAddr, PubAddr: listenAddr, AdvertAddr: listenAddr})
	_ = r.sd.Save()
	return nil
}

// RestoreChords recreates every persisted chord membership at startup,
// re-advertising this base and bootstrapping from the snapshot's recently
// seen peer addresses.
func (r *Router) RestoreChords(ctx context.Context) {
	selfRel, err := r.self.Relation()
	if err != nil {
		r.log.WithError(err).Error("router: cannot restore chords without own relation")
		return
	}
	for name, snap := range r.sd.Chords() {
		ring := chord.NewRing()
		for _, addr := range snap.RecentPeerAddrs {
			if err := ring.Join(ctx, addr); err == nil {
				break
			}
		}
		if err := ring.Advertise(ctx, selfRel.Id.Bytes(), []byte(snap.AdvertAddr)); err != nil {
			r.log.WithError(err).WithField("chord", name).Warn("router: failed to restore chord membership")
			continue
		}
		r.mu.Lock()
		r.chords[name] = &chordMembership{adaptor: ring, listenAddr: snap.ListenAddr, advertAddr: snap.AdvertAddr}
		r.mu.Unlock()
		r.log.WithField("chord", name).Info("router: restored chord membership")
	}
}

// HostChord starts a brand new ring named name, advertising this base as
// its first member.
func (r *Router) HostChord(ctx context.Context, name string) error {
	port, err := r.allocatePort()
	if err != nil {
		return err
	}
	listenAddr := fmt.Sprintf("0.0.0.0:%d", port)
	ring := chord.NewRing()
	selfRel, err := r.self.Relation()
	if err != nil {
		return err
	}
	if err := ring.Advertise(ctx, selfRel.Id.Bytes(), []byte(listenAddr)); err != nil {
		return err
	}

	r.mu.Lock()
	r.chords[name] = &chordMembership{adaptor: ring, listenAddr: listenAddr, advertAddr: listenAddr}
	r.mu.Unlock()

	r.sd.SetChord(name, state.ChordSnapshot{ListenAddr: listenAddr, PubAddr: listenAddr, AdvertAddr: listenAddr})
	_ = r.sd.Save()
	return nil
}

func (r *Router) LeaveChord(name string) error {
	r.mu.Lock()
	m, ok := r.chords[name]
	delete(r.chords, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.sd.RemoveChord(name)
	_ = r.sd.Save()
	return m.adaptor.Close()
}

// allocatePort finds a free TCP port in [chordPortLow, chordPortHigh) not
// already bound to a chord membership.
func (r *Router) allocatePort() (int, error) {
	r.mu.Lock()
	used := map[int]bool{}
	for _, m := range r.chords {
		var port int
		_, _ = fmt.Sscanf(m.listenAddr, "0.0.0.0:%d", &port)
		used[port] = true
	}
	r.mu.Unlock()

	for p := chordPortLow; p < chordPortHigh; p++ {
		if used[p] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", p))
		if err != nil {
			continue
		}
		ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("router: no free chord port in [%d,%d)", chordPortLow, chordPortHigh)
}

// GetAdvertOf resolves id's advertised address across every joined chord,
// caching hits for advertCacheTTL.
func (r *Router) GetAdvertOf(ctx context.Context, id identity.NodeId) ([]byte, error) {
	key := string(id)
	r.mu.Lock()
	if e, ok := r.advertCache[key]; ok && time.Now().Before(e.expiry) {
		r.mu.Unlock()
		return e.addr, nil
	}
	chords := make([]*chordMembership, 0, len(r.chords))
	for _, m := range r.chords {
		chords = append(chords, m)
	}
	r.mu.Unlock()

	for _, m := range chords {
		addr, err := m.adaptor.AdvertOf(ctx, id.Bytes())
		if err == nil {
			r.mu.Lock()
			r.advertCache[key] = advertCacheEntry{addr: addr, expiry: time.Now().Add(advertCacheTTL)}
			r.mu.Unlock()
			return addr, nil
		}
	}
	return nil, chord.ErrNotFound
}

// RecordAddrUpdate caches the (id, addr) pair of an AddrUpdate message the
// processor dispatched; it does not connect to addr.
func (r *Router) RecordAddrUpdate(id identity.NodeId, addr string) {
	r.mu.Lock()
	r.chordAddrs.Add(string(id), addr)
	r.mu.Unlock()
}

// RecordPeerAddrs folds a chord's recently seen peer addresses into the
// recent-address snapshot persisted for that membership.
func (r *Router) RecordPeerAddrs(chordName string, addrs []string) {
	snap, ok := r.sd.Chord(chordName)
	if !ok {
		return
	}
	snap.RecentPeerAddrs = addrs
	r.sd.SetChord(chordName, snap)
	_ = r.sd.Save()
}

func (r *Router) replyAdvertOf(from identity.Relation, id identity.NodeId) {
	addr, err := r.GetAdvertOf(context.Background(), id)
	if err != nil {
		return
	}
	_ = r.SendTo(from, wire.RouterMsg(wire.RouterMessage{AddrUpdate: &wire.AddrUpdateMsg{Id: id, Addr: string(addr)}}))
}

// ResolveAndConnect resolves rel via Chord and, once an address is known,
// connects to it as a pre-approved outbound link. A failed resolution
// leaves the pending entry (and its backlog) in place for upkeep to retry.
func (r *Router) ResolveAndConnect(ctx context.Context, rel identity.Relation) {
	key := rel.ToBase64()
	r.mu.Lock()
	p, ok := r.outbound[key]
	if !ok {
		p = &outboundPending{remote: rel}
		r.outbound[key] = p
	}
	p.attempts++
	p.lastAttempt = time.Now()
	r.mu.Unlock()

	addr, err := r.GetAdvertOf(ctx, rel.Id)
	if err != nil {
		return
	}
	r.connectOutbound(ctx, rel, string(addr))
}

func (r *Router) connectOutbound(ctx context.Context, rel identity.Relation, addr string) {
	key := rel.ToBase64()
	r.mu.Lock()
	p, ok := r.outbound[key]
	if !ok {
		p = &outboundPending{remote: rel}
		r.outbound[key] = p
	}
	p.addr = addr
	p.lastAttempt = time.Now()
	r.mu.Unlock()

	lk, err := r.dial(ctx, addr, rel)
	if err != nil {
		r.log.WithError(err).WithField("remote", rel).Debug("router: outbound connect failed, will retry")
		return
	}
	// installApproved flushes and removes the pending entry itself.
	r.installApproved(lk, rel)
}

// Upkeep is driven by the Processor's periodic tick: it retries pending
// outbound connections (at most once per outboundRetryInterval, giving up
// after maxOutboundAttempts), expires late codes and approval codes, and
// reports each chord's recently seen peer addresses.
func (r *Router) Upkeep(ctx context.Context) {
	type retryTarget struct {
		rel  identity.Relation
		addr string
	}
	now := time.Now()

	r.mu.Lock()
	var retries []retryTarget
	var dropped []identity.Relation
	for key, p := range r.outbound {
		if now.Sub(p.lastAttempt) < outboundRetryInterval {
			continue
		}
		p.attempts++
		if p.attempts > maxOutboundAttempts {
			delete(r.outbound, key)
			dropped = append(dropped, p.remote)
			continue
		}
		p.lastAttempt = now
		retries = append(retries, retryTarget{rel: p.remote, addr: p.addr})
	}
	for k, rec := range r.lateCodes {
		if now.After(rec.expiry) {
			delete(r.lateCodes, k)
		}
	}
	for code, expiry := range r.approvalCodes {
		if now.After(expiry) {
			delete(r.approvalCodes, code)
		}
	}
	chords := make(map[string]*chordMembership, len(r.chords))
	for name, m := range r.chords {
		chords[name] = m
	}
	r.mu.Unlock()

	for _, rel := range dropped {
		r.log.WithField("remote", rel).Warn("router: giving up on pending outbound connection")
	}

	for _, t := range retries {
		addr := t.addr
		if addr == "" {
			resolved, err := r.GetAdvertOf(ctx, t.rel.Id)
			if err != nil {
				continue
			}
			addr = string(resolved)
			r.mu.Lock()
			if p, ok := r.outbound[t.rel.ToBase64()]; ok {
				p.addr = addr
			}
			r.mu.Unlock()
		}
		go r.connectOutbound(ctx, t.rel, addr)
	}

	for name, m := range chords {
		addrs, err := m.adaptor.PeerAddresses(ctx)
		if err != nil {
			continue
		}
		r.snd.PeerAddrs(name, addrs)
	}
}
