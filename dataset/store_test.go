package dataset

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

type fakeLinkSender struct {
	sent []wire.Message
}

func (f *fakeLinkSender) SendTo(rel identity.Relation, msg wire.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeUiNotifier struct {
	calls int
	last  []wire.DatasetData
}

func (f *fakeUiNotifier) DatasetChanged(path wire.AbsoluteDatasetPath, data []wire.DatasetData) {
	f.calls++
	f.last = data
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func newTestStore(t *testing.T) (*Store, *fakeUiNotifier, *fakeLinkSender) {
	ui := &fakeUiNotifier{}
	link := &fakeLinkSender{}
	return New(t.TempDir(), ui, link, testLogger()), ui, link
}

func testOwner(t *testing.T) identity.NodeId {
	self, err := identity.NewSelfRelation(identity.RolePeripheral)
	require.NoError(t, err)
	id, err := self.NodeId()
	require.NoError(t, err)
	return id
}

func TestStoreSetElementPadsWithNull(t *testing.T) {
	s, _, _ := newTestStore(t)
	owner := testOwner(t)
	path := Resolve(wire.DatasetPath{Scope: wire.ScopePrivate, Name: []string{"items"}}, owner)

	require.NoError(t, s.SetElement(path, 2, wire.StringVal("x")))

	rows := s.load(path)
	require.Len(t, rows, 3)
	require.Equal(t, wire.Null(), rows[0])
	require.Equal(t, wire.Null(), rows[1])
	require.Equal(t, wire.StringVal("x"), rows[2])
}

func TestStoreDeleteElementPastEndIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t)
	owner := testOwner(t)
	path := Resolve(wire.DatasetPath{Scope: wire.ScopePublic, Name: []string{"log"}}, owner)

	require.NoError(t, s.Append(path, wire.Int32Val(1)))
	require.NoError(t, s.DeleteElement(path, 5))

	rows := s.load(path)
	require.Len(t, rows, 1)
}

func TestStoreAppendExtendEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)
	owner := testOwner(t)
	path := Resolve(wire.DatasetPath{Scope: wire.ScopePublic, Name: []string{"log"}}, owner)

	require.NoError(t, s.Append(path, wire.Int32Val(1)))
	require.NoError(t, s.Extend(path, []wire.DatasetData{wire.Int32Val(2), wire.Int32Val(3)}))
	require.Len(t, s.load(path), 3)

	require.NoError(t, s.Empty(path))
	require.Empty(t, s.load(path))
}

func TestStoreNotifiesUiOnlyWhenSubscribed(t *testing.T) {
	s, ui, _ := newTestStore(t)
	owner := testOwner(t)
	relPath := wire.DatasetPath{Scope: wire.ScopePrivate, Name: []string{"items"}}
	abs := Resolve(relPath, owner)

	require.NoError(t, s.Append(abs, wire.Int32Val(1)))
	require.Equal(t, 0, ui.calls, "no UI subscriber yet")

	s.Subscribe(relPath, owner)
	require.NoError(t, s.Append(abs, wire.Int32Val(2)))
	require.Equal(t, 1, ui.calls)
	require.Len(t, ui.last, 2)

	s.Unsubscribe(relPath, owner)
	require.NoError(t, s.Append(abs, wire.Int32Val(3)))
	require.Equal(t, 1, ui.calls, "no longer subscribed")
}

func TestStoreSubscribePeripheralReplaysCurrentValue(t *testing.T) {
	s, _, link := newTestStore(t)
	owner := testOwner(t)
	relPath := wire.DatasetPath{Scope: wire.ScopePrivate, Name: []string{"items"}}
	abs := Resolve(relPath, owner)
	require.NoError(t, s.Append(abs, wire.StringVal("hi")))

	self, err := identity.NewSelfRelation(identity.RolePeripheral)
	require.NoError(t, err)
	rel, err := self.Relation()
	require.NoError(t, err)

	s.SubscribePeripheral(relPath, owner, rel)
	require.Len(t, link.sent, 1)
	require.NotNil(t, link.sent[0].Dataset)
	require.NotNil(t, link.sent[0].Dataset.Dataset)
	require.Equal(t, []wire.DatasetData{wire.StringVal("hi")}, link.sent[0].Dataset.Dataset.Data)
}

func TestResolvePublicIgnoresOwner(t *testing.T) {
	owner := testOwner(t)
	abs := Resolve(wire.DatasetPath{Scope: wire.ScopePublic, Name: []string{"a"}}, owner)
	require.Empty(t, abs.Peripheral)
}
