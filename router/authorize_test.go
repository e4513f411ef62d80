package router

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/link"
	"github.com/spider-net/spider/sender"
	"github.com/spider-net/spider/state"
	"github.com/spider-net/spider/ui"
	"github.com/spider-net/spider/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func connectPending(t *testing.T, addr string, baseSelf identity.SelfRelation, role identity.Role) (*link.Link, identity.Relation) {
	self, err := identity.NewSelfRelation(role)
	require.NoError(t, err)
	basePub, err := baseSelf.Relation()
	require.NoError(t, err)
	pub, err := basePub.Id.PublicKey()
	require.NoError(t, err)

	l, err := link.Connect(context.Background(), addr, pub, &basePub, self, testLogger())
	require.NoError(t, err)
	rel, err := self.Relation()
	require.NoError(t, err)
	return l, rel
}

func TestPendingLinkApprovedWithCorrectCode(t *testing.T) {
	addr := "127.0.0.1:19311"
	sd, err := state.New(t.TempDir()+"/state.dat", "base", testLogger())
	require.NoError(t, err)
	other, err := identity.NewSelfRelation(identity.RolePeer)
	require.NoError(t, err)
	otherRel, err := other.Relation()
	require.NoError(t, err)
	sd.EnsureDirectoryEntry(otherRel)

	queue := sender.NewQueue()
	snd := sender.New(queue)
	selfId, err := sd.Self().NodeId()
	require.NoError(t, err)
	uiProc := ui.NewProcessor(selfId, nil, nil, testLogger())
	r := New(sd, snd, uiProc, testLogger())

	incoming, _, err := link.Listen(context.Background(), addr, sd.Self(), testLogger())
	require.NoError(t, err)

	clientLink, rel := connectPending(t, addr, sd.Self(), identity.RolePeripheral)
	var serverLink *link.Link
	select {
	case serverLink = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound link")
	}

	r.HandleIncomingLink(serverLink)

	r.mu.Lock()
	p, ok := r.incoming[rel.ToBase64()]
	r.mu.Unlock()
	require.True(t, ok, "link should be pending, not auto-approved")
	code := p.code

	// Wrong code doesn't approve.
	r.SubmitApprovalCode(rel, "000000")
	r.mu.Lock()
	_, stillPending := r.incoming[rel.ToBase64()]
	r.mu.Unlock()
	require.True(t, stillPending)

	r.SubmitApprovalCode(rel, code)
	r.mu.Lock()
	_, stillPending = r.incoming[rel.ToBase64()]
	r.mu.Unlock()
	require.False(t, stillPending)

	_, ok = sd.DirectoryEntry(rel)
	require.True(t, ok)

	// The link was told it is pending before any decision was made.
	select {
	case msg := <-clientLink.Recv():
		require.NotNil(t, msg.Router)
		require.NotNil(t, msg.Router.Pending)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Pending")
	}

	select {
	case msg := <-clientLink.Recv():
		require.NotNil(t, msg.Router)
		require.NotNil(t, msg.Router.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Approved")
	}
}

func TestPendingLinkDeniedAfterMaxAttempts(t *testing.T) {
	addr := "127.0.0.1:19312"
	sd, err := state.New(t.TempDir()+"/state.dat", "base", testLogger())
	require.NoError(t, err)
	other, err := identity.NewSelfRelation(identity.RolePeer)
	require.NoError(t, err)
	otherRel, err := other.Relation()
	require.NoError(t, err)
	sd.EnsureDirectoryEntry(otherRel)

	queue := sender.NewQueue()
	snd := sender.New(queue)
	selfId, err := sd.Self().NodeId()
	require.NoError(t, err)
	uiProc := ui.NewProcessor(selfId, nil, nil, testLogger())
	r := New(sd, snd, uiProc, testLogger())

	incoming, _, err := link.Listen(context.Background(), addr, sd.Self(), testLogger())
	require.NoError(t, err)

	clientLink, rel := connectPending(t, addr, sd.Self(), identity.RolePeripheral)
	var serverLink *link.Link
	select {
	case serverLink = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound link")
	}
	r.HandleIncomingLink(serverLink)

	for i := 0; i < maxApprovalAttempts; i++ {
		r.SubmitApprovalCode(rel, "bogus")
	}

	r.mu.Lock()
	_, stillPending := r.incoming[rel.ToBase64()]
	r.mu.Unlock()
	require.False(t, stillPending, "exhausting attempts should drop the pending entry")

	// The link was told it is pending before any decision was made.
	select {
	case msg := <-clientLink.Recv():
		require.NotNil(t, msg.Router)
		require.NotNil(t, msg.Router.Pending)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Pending")
	}

	select {
	case msg := <-clientLink.Recv():
		require.NotNil(t, msg.Router)
		require.NotNil(t, msg.Router.Denied)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Denied")
	}
}

func TestFirstTimeLinkAutoApproved(t *testing.T) {
	addr := "127.0.0.1:19313"
	sd, err := state.New(t.TempDir()+"/state.dat", "base", testLogger())
	require.NoError(t, err)
	require.True(t, sd.IsEmpty())

	queue := sender.NewQueue()
	snd := sender.New(queue)
	selfId, err := sd.Self().NodeId()
	require.NoError(t, err)
	uiProc := ui.NewProcessor(selfId, nil, nil, testLogger())
	r := New(sd, snd, uiProc, testLogger())

	incoming, _, err := link.Listen(context.Background(), addr, sd.Self(), testLogger())
	require.NoError(t, err)

	clientLink, rel := connectPending(t, addr, sd.Self(), identity.RolePeripheral)
	var serverLink *link.Link
	select {
	case serverLink = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound link")
	}

	r.HandleIncomingLink(serverLink)

	r.mu.Lock()
	_, pending := r.incoming[rel.ToBase64()]
	r.mu.Unlock()
	require.True(t, pending, "the link waits until the client proves itself a UI peripheral")

	// The very first UI Subscribe on an empty directory flips the one-shot
	// owner-establishment flag and approves without a code.
	require.NoError(t, clientLink.Send(wire.UiMsg(wire.UiMessage{Subscribe: &struct{}{}})))

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, pending := r.incoming[rel.ToBase64()]
		_, installed := r.links[rel.ToBase64()]
		return !pending && installed
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, r.shouldApproveUI.Load(), "owner establishment is one-shot")

	// A second peripheral connecting afterwards sits in Pending until the
	// operator decides.
	secondLink, secondRel := connectPending(t, addr, sd.Self(), identity.RolePeripheral)
	select {
	case serverLink = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second inbound link")
	}
	r.HandleIncomingLink(serverLink)
	require.NoError(t, secondLink.Send(wire.UiMsg(wire.UiMessage{Subscribe: &struct{}{}})))

	time.Sleep(100 * time.Millisecond)
	r.mu.Lock()
	_, secondPending := r.incoming[secondRel.ToBase64()]
	r.mu.Unlock()
	require.True(t, secondPending)
}

func TestDeniedLinkGetsLateCodeGraceWindow(t *testing.T) {
	addr := "127.0.0.1:19314"
	sd, err := state.New(t.TempDir()+"/state.dat", "base", testLogger())
	require.NoError(t, err)
	other, err := identity.NewSelfRelation(identity.RolePeer)
	require.NoError(t, err)
	otherRel, err := other.Relation()
	require.NoError(t, err)
	sd.EnsureDirectoryEntry(otherRel)

	queue := sender.NewQueue()
	snd := sender.New(queue)
	selfId, err := sd.Self().NodeId()
	require.NoError(t, err)
	uiProc := ui.NewProcessor(selfId, nil, nil, testLogger())
	r := New(sd, snd, uiProc, testLogger())

	incoming, _, err := link.Listen(context.Background(), addr, sd.Self(), testLogger())
	require.NoError(t, err)

	peripheralSelf, err := identity.NewSelfRelation(identity.RolePeripheral)
	require.NoError(t, err)
	basePub, err := sd.Self().Relation()
	require.NoError(t, err)
	pub, err := basePub.Id.PublicKey()
	require.NoError(t, err)
	rel, err := peripheralSelf.Relation()
	require.NoError(t, err)

	firstLink, err := link.Connect(context.Background(), addr, pub, &basePub, peripheralSelf, testLogger())
	require.NoError(t, err)

	var serverLink *link.Link
	select {
	case serverLink = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first inbound link")
	}
	r.HandleIncomingLink(serverLink)
	r.DenyPendingLink(rel)
	firstLink.Terminate()

	secondLink, err := link.Connect(context.Background(), addr, pub, &basePub, peripheralSelf, testLogger())
	require.NoError(t, err)

	select {
	case serverLink = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second inbound link")
	}
	r.HandleIncomingLink(serverLink)

	r.mu.Lock()
	_, pending := r.incoming[rel.ToBase64()]
	_, installed := r.links[rel.ToBase64()]
	r.mu.Unlock()
	require.False(t, pending, "retry within the grace window should not need a fresh code")
	require.True(t, installed, "retry within the grace window should auto-approve")

	select {
	case msg := <-secondLink.Recv():
		require.NotNil(t, msg.Router)
		require.NotNil(t, msg.Router.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Approved on retry")
	}
}
