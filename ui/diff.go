package ui

import (
	"reflect"

	"github.com/spider-net/spider/wire"
)

// Diff computes the element-level updates needed to turn before into after,
// in the same depth-then-last-index order GetChanges produces, so a fresh
// subscriber can be caught up with exactly the sequence an incremental
// subscriber would have seen.
func Diff(before, after wire.UiElement) []wire.ElementUpdate {
	var updates []wire.ElementUpdate
	diffInto(before, after, wire.UiPath{}, &updates)
	sortUpdatesDepthThenIndex(updates)
	return updates
}

func diffInto(before, after wire.UiElement, path wire.UiPath, updates *[]wire.ElementUpdate) {
	if !bodyEqual(before, after) {
		body := after
		body.Children = nil
		*updates = append(*updates, wire.ElementUpdate{Path: clonePath(path), Body: &body})
	}

	ops := diffChildren(before.Children, after.Children)
	if len(ops) > 0 {
		*updates = append(*updates, wire.ElementUpdate{Path: clonePath(path), ChildOps: ops})
	}

	n := len(before.Children)
	if len(after.Children) < n {
		n = len(after.Children)
	}
	for i := 0; i < n; i++ {
		diffInto(before.Children[i], after.Children[i], append(clonePath(path), i), updates)
	}
}

func bodyEqual(a, b wire.UiElement) bool {
	a.Children, b.Children = nil, nil
	return reflect.DeepEqual(a, b)
}

// diffChildren produces a minimal insert/delete sequence turning before's
// child count/order into after's. Moves are not reconstructed from a
// position diff alone (that requires LCS to detect reliably); callers that
// want MoveOp semantics should use PageManager.MoveChild directly, which
// records the operation as it happens.
func diffChildren(before, after []wire.UiElement) []wire.ChildOp {
	var ops []wire.ChildOp
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	for i := n; i < len(before); i++ {
		ops = append(ops, wire.DeleteOp(n))
	}
	for i := n; i < len(after); i++ {
		ops = append(ops, wire.InsertOp(i, after[i]))
	}
	return ops
}

func clonePath(path wire.UiPath) wire.UiPath {
	return append(wire.UiPath{}, path...)
}

// Apply mutates root in place according to updates, the inverse of what
// GetChanges/Diff produce, used when a UI peripheral replays a batch of
// ElementUpdate messages against its local mirror of a page. It returns the
// net per-dataset-path subscription delta the apply caused.
func Apply(root *wire.UiElement, updates []wire.ElementUpdate) wire.UpdateSummary {
	beforeCounts := map[string]int{}
	paths := map[string]wire.DatasetPath{}
	countDatasetPaths(*root, beforeCounts, paths)

	for _, u := range updates {
		elem := elementAt(root, u.Path)
		if elem == nil {
			continue
		}
		if u.Body != nil {
			children := elem.Children
			*elem = *u.Body
			elem.Children = children
		}
		for _, op := range u.ChildOps {
			applyChildOp(elem, op)
		}
	}

	afterCounts := map[string]int{}
	countDatasetPaths(*root, afterCounts, paths)
	return deltaSummary(beforeCounts, afterCounts, paths)
}

// DatasetDelta computes the net per-dataset-path subscription delta between
// before and after subtrees as a wire.UpdateSummary, alongside the concrete
// DatasetPath each key names (needed to actually dispatch Subscribe/
// Unsubscribe once a count crosses zero). Apply and Processor.SetPage share
// this one implementation so a displaced page's subscriptions are always
// accounted for identically, rather than SetPage reimplementing the count
// ad hoc.
func DatasetDelta(before, after wire.UiElement) (wire.UpdateSummary, map[string]wire.DatasetPath) {
	beforeCounts := map[string]int{}
	afterCounts := map[string]int{}
	paths := map[string]wire.DatasetPath{}
	countDatasetPaths(before, beforeCounts, paths)
	countDatasetPaths(after, afterCounts, paths)
	return deltaSummary(beforeCounts, afterCounts, paths), paths
}

func deltaSummary(beforeCounts, afterCounts map[string]int, paths map[string]wire.DatasetPath) wire.UpdateSummary {
	summary := wire.NewUpdateSummary()
	for k := range paths {
		summary.AddDelta(k, afterCounts[k]-beforeCounts[k])
	}
	return summary
}

func elementAt(root *wire.UiElement, path wire.UiPath) *wire.UiElement {
	e := root
	for _, idx := range path {
		if idx < 0 || idx >= len(e.Children) {
			return nil
		}
		e = &e.Children[idx]
	}
	return e
}

func applyChildOp(parent *wire.UiElement, op wire.ChildOp) {
	switch {
	case op.InsertElem != nil:
		idx := op.InsertIndex
		if idx < 0 || idx > len(parent.Children) {
			return
		}
		parent.Children = append(parent.Children, wire.UiElement{})
		copy(parent.Children[idx+1:], parent.Children[idx:])
		parent.Children[idx] = *op.InsertElem
	case op.DeleteIndex != nil:
		idx := *op.DeleteIndex
		if idx < 0 || idx >= len(parent.Children) {
			return
		}
		parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	case op.MoveFrom != nil:
		from, to := *op.MoveFrom, op.MoveTo
		if from < 0 || from >= len(parent.Children) || to < 0 || to >= len(parent.Children) {
			return
		}
		child := parent.Children[from]
		parent.Children = append(parent.Children[:from], parent.Children[from+1:]...)
		parent.Children = append(parent.Children[:to], append([]wire.UiElement{child}, parent.Children[to:]...)...)
	}
}
