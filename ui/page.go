// Package ui implements the per-peripheral page tree engine: diffing,
// applying, id-indexing, dataset-subscription accounting, and the base's
// own Settings page.
package ui

import (
	"github.com/spider-net/spider/wire"
)

// PageManager owns one page and the auxiliary structures needed to diff and
// apply changes to it efficiently: an id→path index and the pending
// element-level change set accumulated since the last drain.
type PageManager struct {
	page         wire.UiPage
	idIndex      map[string]wire.UiPath
	pending      map[string]wire.ElementUpdate // keyed by path.String()
	pendingOrder []string
}

func NewPageManager(page wire.UiPage) *PageManager {
	pm := &PageManager{
		page:    page,
		pending: map[string]wire.ElementUpdate{},
	}
	pm.reindex()
	return pm
}

func (pm *PageManager) Page() wire.UiPage { return pm.page }

// GetElement returns the element at path, if it exists.
func (pm *PageManager) GetElement(path wire.UiPath) (wire.UiElement, bool) {
	elem := &pm.page.Root
	for _, idx := range path {
		if idx < 0 || idx >= len(elem.Children) {
			return wire.UiElement{}, false
		}
		elem = &elem.Children[idx]
	}
	return *elem, true
}

func (pm *PageManager) GetById(id string) (wire.UiElement, wire.UiPath, bool) {
	path, ok := pm.idIndex[id]
	if !ok {
		return wire.UiElement{}, nil, false
	}
	e, ok := pm.GetElement(path)
	return e, path, ok
}

// MutateElement replaces the body (kind/content/id/selectable/alt_text/
// dataset_path, children untouched) of the element at path and hoists the
// recorded change into the manager's pending set.
func (pm *PageManager) MutateElement(path wire.UiPath, body wire.UiElement) bool {
	elem := pm.elementPtr(path)
	if elem == nil {
		return false
	}
	body.Children = elem.Children
	*elem = body
	pm.recordBody(path, body)
	return true
}

func (pm *PageManager) elementPtr(path wire.UiPath) *wire.UiElement {
	elem := &pm.page.Root
	for _, idx := range path {
		if idx < 0 || idx >= len(elem.Children) {
			return nil
		}
		elem = &elem.Children[idx]
	}
	return elem
}

// InsertChild, DeleteChild, and MoveChild mutate a child list and record
// the corresponding ChildOp against the parent path.
func (pm *PageManager) InsertChild(parent wire.UiPath, index int, child wire.UiElement) bool {
	p := pm.elementPtr(parent)
	if p == nil || index < 0 || index > len(p.Children) {
		return false
	}
	p.Children = append(p.Children, wire.UiElement{})
	copy(p.Children[index+1:], p.Children[index:])
	p.Children[index] = child
	pm.recordChildOp(parent, wire.InsertOp(index, child))
	pm.reindex()
	return true
}

func (pm *PageManager) DeleteChild(parent wire.UiPath, index int) bool {
	p := pm.elementPtr(parent)
	if p == nil || index < 0 || index >= len(p.Children) {
		return false
	}
	p.Children = append(p.Children[:index], p.Children[index+1:]...)
	pm.recordChildOp(parent, wire.DeleteOp(index))
	pm.reindex()
	return true
}

func (pm *PageManager) MoveChild(parent wire.UiPath, from, to int) bool {
	p := pm.elementPtr(parent)
	if p == nil || from < 0 || from >= len(p.Children) || to < 0 || to >= len(p.Children) {
		return false
	}
	child := p.Children[from]
	p.Children = append(p.Children[:from], p.Children[from+1:]...)
	p.Children = append(p.Children[:to], append([]wire.UiElement{child}, p.Children[to:]...)...)
	pm.recordChildOp(parent, wire.MoveOp(from, to))
	pm.reindex()
	return true
}

func (pm *PageManager) recordBody(path wire.UiPath, body wire.UiElement) {
	key := path.String()
	u := pm.pending[key]
	u.Path = append(wire.UiPath{}, path...)
	b := body
	u.Body = &b
	if _, ok := pm.pending[key]; !ok {
		pm.pendingOrder = append(pm.pendingOrder, key)
	}
	pm.pending[key] = u
}

func (pm *PageManager) recordChildOp(parent wire.UiPath, op wire.ChildOp) {
	key := parent.String()
	u := pm.pending[key]
	u.Path = append(wire.UiPath{}, parent...)
	u.ChildOps = append(u.ChildOps, op)
	if _, ok := pm.pending[key]; !ok {
		pm.pendingOrder = append(pm.pendingOrder, key)
	}
	pm.pending[key] = u
}

// ReplaceRoot swaps in a freshly built tree, recording the element-level
// updates between the old and new roots so subscribers receive an
// incremental batch instead of a full page resend.
func (pm *PageManager) ReplaceRoot(root wire.UiElement) {
	updates := Diff(pm.page.Root, root)
	pm.page.Root = root
	for _, u := range updates {
		key := u.Path.String()
		existing, ok := pm.pending[key]
		if !ok {
			pm.pendingOrder = append(pm.pendingOrder, key)
			existing = wire.ElementUpdate{Path: append(wire.UiPath{}, u.Path...)}
		}
		if u.Body != nil {
			existing.Body = u.Body
		}
		existing.ChildOps = append(existing.ChildOps, u.ChildOps...)
		pm.pending[key] = existing
	}
	pm.reindex()
}

// GetChanges drains pending changes into a depth-then-last-index ordered
// list (parents settle before children) and recomputes the id index.
func (pm *PageManager) GetChanges() []wire.ElementUpdate {
	updates := make([]wire.ElementUpdate, 0, len(pm.pending))
	for _, key := range pm.pendingOrder {
		if u, ok := pm.pending[key]; ok {
			updates = append(updates, u)
		}
	}
	pm.pending = map[string]wire.ElementUpdate{}
	pm.pendingOrder = nil
	sortUpdatesDepthThenIndex(updates)
	pm.reindex()
	return updates
}

func (pm *PageManager) reindex() {
	pm.idIndex = map[string]wire.UiPath{}
	var walk func(e *wire.UiElement, path wire.UiPath)
	walk = func(e *wire.UiElement, path wire.UiPath) {
		if e.Id != "" {
			pm.idIndex[e.Id] = append(wire.UiPath{}, path...)
		}
		for i := range e.Children {
			walk(&e.Children[i], append(append(wire.UiPath{}, path...), i))
		}
	}
	walk(&pm.page.Root, wire.UiPath{})
}

func sortUpdatesDepthThenIndex(updates []wire.ElementUpdate) {
	less := func(i, j int) bool {
		a, b := updates[i].Path, updates[j].Path
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	}
	// simple insertion sort: update lists are small (one page's worth of
	// dirty elements between drains).
	for i := 1; i < len(updates); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			updates[j], updates[j-1] = updates[j-1], updates[j]
		}
	}
}
