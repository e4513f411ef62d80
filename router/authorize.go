package router

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/link"
	"github.com/spider-net/spider/wire"
)

const (
	maxApprovalAttempts = 5
	lateCodeTTL         = 2 * time.Minute
	incomingBacklogCap  = 100
)

// HandleIncomingLink is called when the listener hands the router a
// freshly handshaken link whose cryptographic identity is known but whose
// directory trust is not yet established.
func (r *Router) HandleIncomingLink(lk *link.Link) {
	rel := lk.Remote
	key := rel.ToBase64()

	if entry, ok := r.sd.DirectoryEntry(rel); ok {
		if entry.Blocked() {
			r.log.WithField("remote", rel).Info("router: rejecting blocked relation")
			_ = lk.Send(wire.RouterMsg(wire.RouterMessage{Denied: &struct{}{}}))
			lk.Terminate()
			return
		}
		r.installApproved(lk, rel)
		return
	}

	r.mu.Lock()
	if late, ok := r.lateCodes[key]; ok && time.Now().Before(late.expiry) {
		delete(r.lateCodes, key)
		r.mu.Unlock()
		r.installApproved(lk, rel)
		return
	}

	code := generateApprovalCode()
	p := &incomingLink{lk: lk, remote: rel, code: code, approved: make(chan struct{}), denied: make(chan struct{})}
	r.incoming[key] = p
	r.mu.Unlock()

	r.log.WithField("remote", rel).Info("router: new pending link awaiting approval")
	_ = lk.Send(wire.RouterMsg(wire.RouterMessage{Pending: &struct{}{}}))
	r.registerPendingSetting(rel, code)

	go r.drainPendingReads(p, rel)
}

// drainPendingReads owns the link's recv channel for its whole pending
// life: it buffers messages (up to incomingBacklogCap) while the operator
// is deciding, and once the link is approved it becomes the forwarding
// reader itself. The recv channel only ever has this one consumer, so no
// message can be lost in a reader handoff.
func (r *Router) drainPendingReads(p *incomingLink, rel identity.Relation) {
	lk := p.lk
	key := rel.ToBase64()
	recv := lk.TakeRecv()
	for {
		select {
		case msg, ok := <-recv:
			if !ok {
				r.dropPending(key, rel)
				return
			}
			r.mu.Lock()
			_, still := r.incoming[key]
			if !still {
				r.mu.Unlock()
				// Decided while this message was in flight. On
				// approval, wait for the install (and its backlog
				// replay) to finish so the message keeps its arrival
				// order, then take over as the forwarding reader.
				select {
				case <-p.approved:
					r.snd.RemoteMessage(rel, msg)
					r.forwardRemoteMessages(lk, rel, recv)
				case <-p.denied:
				}
				return
			}
			if rc := msg.Router; rc != nil && rc.ApprovalCode != nil {
				r.mu.Unlock()
				r.SubmitApprovalCode(rel, rc.ApprovalCode.Code)
				continue
			}
			// The one-shot auto-approve flag fires only once this
			// relation proves itself a UI client by subscribing, and
			// never for a peer.
			if uc := msg.Ui; uc != nil && uc.Subscribe != nil && !rel.IsPeer() && r.consumeFirstTimeApproval() {
				delete(r.incoming, key)
				backlog := append(p.backlog, msg)
				r.mu.Unlock()
				r.removePendingSetting(rel)
				r.installLink(lk, rel)
				for _, m := range backlog {
					r.snd.RemoteMessage(rel, m)
				}
				r.forwardRemoteMessages(lk, rel, recv)
				return
			}
			if len(p.backlog) < incomingBacklogCap {
				p.backlog = append(p.backlog, msg)
			}
			r.mu.Unlock()
		case <-p.approved:
			r.forwardRemoteMessages(lk, rel, recv)
			return
		case <-lk.Done():
			r.mu.Lock()
			_, still := r.incoming[key]
			delete(r.incoming, key)
			r.mu.Unlock()
			r.removePendingSetting(rel)
			if !still {
				// Approved or denied concurrently with the close. An
				// approved link is already in the live set, so run the
				// forwarding reader for its cleanup half.
				select {
				case <-p.approved:
					r.forwardRemoteMessages(lk, rel, recv)
				case <-p.denied:
				}
			}
			return
		}
	}
}

func (r *Router) dropPending(key string, rel identity.Relation) {
	r.mu.Lock()
	delete(r.incoming, key)
	r.mu.Unlock()
	r.removePendingSetting(rel)
}

// IssueApprovalCode mints a pairing code any pending link may redeem before
// ttl elapses, independent of which relation ends up presenting it. This
// backs the spider_keyfile.json permission_code a freshly installed
// peripheral reads so it can pair without the operator re-typing anything.
func (r *Router) IssueApprovalCode(ttl time.Duration) string {
	code := uuid.NewString()
	r.mu.Lock()
	r.approvalCodes[code] = time.Now().Add(ttl)
	r.mu.Unlock()
	return code
}

// redeemApprovalCode consumes code if it is known and unexpired. Expired
// entries are removed on sight; upkeep sweeps the rest.
func (r *Router) redeemApprovalCode(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.approvalCodes[code]
	if !ok {
		return false
	}
	delete(r.approvalCodes, code)
	return time.Now().Before(expiry)
}

// SubmitApprovalCode checks a guessed code against the pending link's
// issued code and the global approval-code table, approving on match and
// denying after maxApprovalAttempts wrong guesses.
func (r *Router) SubmitApprovalCode(rel identity.Relation, code string) {
	key := rel.ToBase64()
	r.mu.Lock()
	p, ok := r.incoming[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if p.code == code {
		delete(r.incoming, key)
		r.mu.Unlock()
		r.approvePending(p, rel)
		return
	}
	r.mu.Unlock()

	if r.redeemApprovalCode(code) {
		r.mu.Lock()
		p, ok = r.incoming[key]
		if ok {
			delete(r.incoming, key)
		}
		r.mu.Unlock()
		if ok {
			r.approvePending(p, rel)
		}
		return
	}

	r.mu.Lock()
	p, ok = r.incoming[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.codeAttempts++
	exhausted := p.codeAttempts >= maxApprovalAttempts
	if exhausted {
		delete(r.incoming, key)
	}
	r.mu.Unlock()
	if exhausted {
		r.log.WithField("remote", rel).Warn("router: denying pending link, too many wrong codes")
		close(p.denied)
		r.removePendingSetting(rel)
		r.denyLocked(p.lk, rel)
	}
}

// ApprovePendingLink is the operator-triggered approval path (settings
// button, or Command.ApprovePendingLink).
func (r *Router) ApprovePendingLink(rel identity.Relation) {
	key := rel.ToBase64()
	r.mu.Lock()
	p, ok := r.incoming[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.incoming, key)
	r.mu.Unlock()
	r.approvePending(p, rel)
}

// DenyPendingLink is the operator-triggered rejection path. For lateCodeTTL
// afterwards, a reconnect from the denied relation is approved without a
// code (see HandleIncomingLink), so a legitimate retry that crosses the
// operator's decision in flight still gets in.
func (r *Router) DenyPendingLink(rel identity.Relation) {
	key := rel.ToBase64()
	r.mu.Lock()
	p, ok := r.incoming[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.incoming, key)
	r.lateCodes[key] = codeRecord{remote: rel, expiry: time.Now().Add(lateCodeTTL)}
	r.mu.Unlock()
	close(p.denied)
	r.removePendingSetting(rel)
	r.denyLocked(p.lk, rel)
}

func (r *Router) denyLocked(lk *link.Link, rel identity.Relation) {
	r.log.WithField("remote", rel).Info("router: denying link")
	_ = lk.Send(wire.RouterMsg(wire.RouterMessage{Denied: &struct{}{}}))
	lk.Terminate()
}

// installApproved moves a link with no reader yet (a directory-trusted
// inbound link, or a completed outbound connection) into the live set and
// spawns its forwarding reader. Links coming out of the pending state go
// through approvePending instead: their drainPendingReads goroutine already
// owns the recv channel and takes over forwarding itself.
func (r *Router) installApproved(lk *link.Link, rel identity.Relation) {
	r.installLink(lk, rel)
	go r.forwardRemoteMessages(lk, rel, lk.TakeRecv())
}

// approvePending installs a pending link, replays the inbound messages it
// buffered while waiting, and then signals drainPendingReads to switch into
// the forwarding role. The replay happens before the signal so buffered
// messages keep their order relative to anything still arriving.
func (r *Router) approvePending(p *incomingLink, rel identity.Relation) {
	r.removePendingSetting(rel)
	r.installLink(p.lk, rel)
	for _, msg := range p.backlog {
		r.snd.RemoteMessage(rel, msg)
	}
	close(p.approved)
}

// installLink moves lk into the live link set, ensures the relation has a
// directory entry, announces our own name, and flushes any outbound
// messages buffered while disconnected. The caller arranges the reader.
func (r *Router) installLink(lk *link.Link, rel identity.Relation) {
	key := rel.ToBase64()
	r.mu.Lock()
	r.links[key] = lk
	r.linkRel[key] = rel
	var outBacklog []wire.Message
	if p, ok := r.outbound[key]; ok {
		outBacklog = p.backlog
		delete(r.outbound, key)
	}
	r.mu.Unlock()

	entry := r.sd.EnsureDirectoryEntry(rel)
	_ = r.sd.Save()
	r.broadcastDirectoryAdd(entry)
	r.registerDirectorySetting(rel)

	_ = lk.Send(wire.RouterMsg(wire.RouterMessage{Approved: &struct{}{}}))
	_ = lk.Send(wire.RouterMsg(wire.RouterMessage{SetIdentityProperty: &wire.SetIdentityPropMsg{Key: "name", Value: r.sd.Name()}}))

	r.snd.LinkEstablished(lk)

	for _, msg := range outBacklog {
		_ = lk.Send(msg)
	}
}

func (r *Router) forwardRemoteMessages(lk *link.Link, rel identity.Relation, recv <-chan wire.Message) {
loop:
	for {
		select {
		case msg, ok := <-recv:
			if !ok {
				break loop
			}
			r.snd.RemoteMessage(rel, msg)
		case <-lk.Done():
			break loop
		}
	}
	r.mu.Lock()
	key := rel.ToBase64()
	delete(r.links, key)
	delete(r.linkRel, key)
	r.mu.Unlock()
	r.dropSubscriptions(rel)
	r.snd.LinkClosed(rel)
}

func generateApprovalCode() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	n := binary.BigEndian.Uint32(b[:]) % 1000000
	return fmt.Sprintf("%06d", n)
}
