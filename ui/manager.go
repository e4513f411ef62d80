package ui

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// LinkSender is the narrow capability the ui package needs to push messages
// to connected peripherals; the router implements it (it owns the link
// registry), and the Processor injects it at construction so ui never
// imports router.
type LinkSender interface {
	SendTo(rel identity.Relation, msg wire.Message) error
}

// DatasetHost is the narrow capability ui needs from the dataset engine:
// subscribe/unsubscribe accounting and a way to read the current value for
// replay to a freshly-subscribing peripheral.
type DatasetHost interface {
	Subscribe(who wire.DatasetPath, owner identity.NodeId) []wire.DatasetData
	Unsubscribe(who wire.DatasetPath, owner identity.NodeId)
	Current(who wire.DatasetPath, owner identity.NodeId) []wire.DatasetData
}

// Processor owns every page in the system: one per peripheral that has
// called SetPage, plus the base's own Settings page.
type Processor struct {
	log     *logrus.Entry
	links   LinkSender
	dataset DatasetHost
	self    identity.NodeId

	mu            sync.Mutex
	pages         map[identity.NodeId]*PageManager
	subscribers   map[identity.NodeId]map[string]struct{} // page owner -> set of subscriber relation base64
	subscriberRel map[string]identity.Relation
	datasetCounts map[string]int // dataset path string -> active subscriber count, across all pages

	settings *settingsPage
}

// SetLinks and SetDataset complete construction once the router and
// dataset store exist. ui, router, and dataset are mutually dependent at
// construction time (ui needs a LinkSender the router provides and a
// DatasetHost the dataset store provides; the router needs a *ui.Processor;
// the dataset store needs a LinkSender too) — see DESIGN.md.
func (p *Processor) SetLinks(links LinkSender)      { p.links = links }
func (p *Processor) SetDataset(dataset DatasetHost) { p.dataset = dataset }

func NewProcessor(self identity.NodeId, links LinkSender, dataset DatasetHost, log *logrus.Entry) *Processor {
	p := &Processor{
		log:           log.WithField("component", "ui"),
		links:         links,
		dataset:       dataset,
		self:          self,
		pages:         map[identity.NodeId]*PageManager{},
		subscribers:   map[identity.NodeId]map[string]struct{}{},
		subscriberRel: map[string]identity.Relation{},
		datasetCounts: map[string]int{},
	}
	p.settings = newSettingsPage(self)
	p.pages[self] = p.settings.pm
	return p
}

// SetSetting upserts an operator-control row on the base's own Settings
// page. Every subsystem registers its controls this way.
func (p *Processor) SetSetting(header, title string, inputs []SettingInput, cb SettingCallback) {
	p.mu.Lock()
	p.settings.SetSetting(header, title, inputs, cb)
	p.mu.Unlock()
	p.PushChanges(p.self)
}

func (p *Processor) RemoveSetting(header, title string) {
	p.mu.Lock()
	p.settings.RemoveSetting(header, title)
	p.mu.Unlock()
	p.PushChanges(p.self)
}

// SetPage installs or replaces owner's page wholesale and pushes the full
// page to every current subscriber.
func (p *Processor) SetPage(owner identity.NodeId, page wire.UiPage) {
	p.mu.Lock()
	old := p.pages[owner]
	pm := NewPageManager(page)
	p.pages[owner] = pm
	subs := p.subscribersLocked(owner)
	p.mu.Unlock()

	if old != nil {
		p.rebalanceDatasetCounts(owner, old.Page().Root, page.Root)
	} else {
		p.rebalanceDatasetCounts(owner, wire.UiElement{}, page.Root)
	}

	for _, rel := range subs {
		_ = p.links.SendTo(rel, wire.Message{Ui: &wire.UiMessage{SetPage: &wire.SetPageMsg{Page: page}}})
	}
}

// PushChanges drains the changes recorded on owner's page (by the
// PageManager mutation helpers) and fans them out to subscribers as
// UpdateElements, incrementally rather than resending the whole tree.
func (p *Processor) PushChanges(owner identity.NodeId) {
	p.mu.Lock()
	pm, ok := p.pages[owner]
	if !ok {
		p.mu.Unlock()
		return
	}
	updates := pm.GetChanges()
	subs := p.subscribersLocked(owner)
	p.mu.Unlock()
	if len(updates) == 0 {
		return
	}
	for _, rel := range subs {
		_ = p.links.SendTo(rel, wire.Message{Ui: &wire.UiMessage{UpdateElements: &wire.UpdateElementsMsg{OwnerId: owner, Updates: updates}}})
	}
}

// Subscribe registers rel as a subscriber to owner's page, replaying the
// full current tree and accounting for any dataset_path-backed elements it
// contains.
func (p *Processor) Subscribe(owner identity.NodeId, rel identity.Relation) {
	p.mu.Lock()
	pm, ok := p.pages[owner]
	if !ok {
		p.mu.Unlock()
		return
	}
	if p.subscribers[owner] == nil {
		p.subscribers[owner] = map[string]struct{}{}
	}
	key := rel.ToBase64()
	_, already := p.subscribers[owner][key]
	p.subscribers[owner][key] = struct{}{}
	p.subscriberRel[key] = rel
	page := pm.Page()
	p.mu.Unlock()

	if !already {
		p.rebalanceDatasetCounts(owner, wire.UiElement{}, page.Root)
	}
	_ = p.links.SendTo(rel, wire.Message{Ui: &wire.UiMessage{SetPage: &wire.SetPageMsg{Page: page}}})

	// Replay current values for every dataset path the page binds so the
	// client can render templated elements immediately.
	if p.dataset != nil {
		counts := map[string]int{}
		paths := map[string]wire.DatasetPath{}
		countDatasetPaths(page.Root, counts, paths)
		for _, dp := range paths {
			rows := p.dataset.Current(dp, owner)
			_ = p.links.SendTo(rel, wire.Message{Ui: &wire.UiMessage{Dataset: &wire.UiDatasetMsg{Path: dp, Data: rows}}})
		}
	}
}

func (p *Processor) Unsubscribe(owner identity.NodeId, rel identity.Relation) {
	p.mu.Lock()
	pm, ok := p.pages[owner]
	key := rel.ToBase64()
	if p.subscribers[owner] != nil {
		delete(p.subscribers[owner], key)
	}
	var page wire.UiPage
	if ok {
		page = pm.Page()
	}
	p.mu.Unlock()
	if ok {
		p.rebalanceDatasetCounts(owner, page.Root, wire.UiElement{})
	}
}

// InputFor dispatches an operator interaction to the page owner; the base's
// own Settings page intercepts these rather than forwarding anywhere.
func (p *Processor) InputFor(owner identity.NodeId, msg wire.InputForMsg) {
	if owner == p.self {
		p.settings.handleInput(msg)
		return
	}
	_ = p.links.SendTo(identity.Relation{Id: owner, Role: identity.RolePeripheral}, wire.Message{Ui: &wire.UiMessage{InputFor: &msg}})
}

func (p *Processor) subscribersLocked(owner identity.NodeId) []identity.Relation {
	var out []identity.Relation
	for key := range p.subscribers[owner] {
		out = append(out, p.subscriberRel[key])
	}
	return out
}

// rebalanceDatasetCounts diffs the before/after subtrees via DatasetDelta
// (the same accounting Apply uses for its UpdateSummary return) and issues
// Subscribe/Unsubscribe calls for whichever paths crossed zero, so a page
// replaced wholesale by SetPage never leaks the displaced page's dataset
// subscriptions.
func (p *Processor) rebalanceDatasetCounts(owner identity.NodeId, before, after wire.UiElement) {
	summary, paths := DatasetDelta(before, after)
	if !summary.Changed {
		return
	}

	for k, delta := range summary.DatasetDelta {
		path := paths[k]
		p.mu.Lock()
		beforeCount := p.datasetCounts[k]
		p.datasetCounts[k] += delta
		afterCount := p.datasetCounts[k]
		p.mu.Unlock()
		if beforeCount == 0 && afterCount > 0 {
			p.dataset.Subscribe(path, owner)
			p.log.WithField("path", k).Debug("ui: subscribed to dataset for page")
		} else if beforeCount > 0 && afterCount == 0 {
			p.dataset.Unsubscribe(path, owner)
		}
	}
}

// DatasetChanged implements dataset.UiNotifier: push the fresh value to
// every subscriber of every page that currently binds an element to path.
func (p *Processor) DatasetChanged(path wire.AbsoluteDatasetPath, rows []wire.DatasetData) {
	relPath := wire.DatasetPath{Scope: path.Scope, Name: path.Name}

	p.mu.Lock()
	type target struct {
		owner identity.NodeId
		rels  []identity.Relation
	}
	var targets []target
	for owner, pm := range p.pages {
		if path.Scope == wire.ScopePrivate && owner != path.Peripheral {
			continue
		}
		counts := map[string]int{}
		paths := map[string]wire.DatasetPath{}
		root := pm.Page().Root
		countDatasetPaths(root, counts, paths)
		if counts[relPath.String()] == 0 {
			continue
		}
		targets = append(targets, target{owner: owner, rels: p.subscribersLocked(owner)})
	}
	p.mu.Unlock()

	msg := wire.Message{Ui: &wire.UiMessage{Dataset: &wire.UiDatasetMsg{Path: relPath, Data: rows}}}
	for _, t := range targets {
		for _, rel := range t.rels {
			_ = p.links.SendTo(rel, msg)
		}
	}
}

func countDatasetPaths(e wire.UiElement, counts map[string]int, paths map[string]wire.DatasetPath) {
	if e.DatasetPath != nil {
		key := e.DatasetPath.String()
		counts[key]++
		paths[key] = *e.DatasetPath
	}
	for _, c := range e.Children {
		countDatasetPaths(c, counts, paths)
	}
}
