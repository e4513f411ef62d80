package ui

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/wire"
)

func rowsPage() wire.UiPage {
	return wire.UiPage{
		Name: "test",
		Root: wire.UiElement{
			Kind: wire.ElementKind{Tag: wire.KindRows},
			Id:   "root",
			Children: []wire.UiElement{
				{Kind: wire.ElementKind{Tag: wire.KindText}, Id: "a", Content: []wire.ContentPart{wire.TextPart("one")}},
				{Kind: wire.ElementKind{Tag: wire.KindText}, Id: "b", Content: []wire.ContentPart{wire.TextPart("two")}},
			},
		},
	}
}

func TestPageManagerMutateElementRecordsChange(t *testing.T) {
	pm := NewPageManager(rowsPage())

	ok := pm.MutateElement(wire.UiPath{0}, wire.UiElement{
		Kind: wire.ElementKind{Tag: wire.KindText}, Id: "a", Content: []wire.ContentPart{wire.TextPart("changed")},
	})
	require.True(t, ok)

	changes := pm.GetChanges()
	require.Len(t, changes, 1)
	require.Equal(t, wire.UiPath{0}, changes[0].Path)
	require.NotNil(t, changes[0].Body)
	require.Equal(t, "changed", changes[0].Body.Content[0].Text)

	// Children are preserved across a body-only mutation.
	elem, ok := pm.GetElement(wire.UiPath{0})
	require.True(t, ok)
	require.Empty(t, elem.Children)

	// Draining clears pending changes.
	require.Empty(t, pm.GetChanges())
}

func TestPageManagerGetByIdTracksReindex(t *testing.T) {
	pm := NewPageManager(rowsPage())

	elem, path, ok := pm.GetById("b")
	require.True(t, ok)
	require.Equal(t, wire.UiPath{1}, path)
	require.Equal(t, "two", elem.Content[0].Text)

	require.True(t, pm.InsertChild(wire.UiPath{}, 0, wire.UiElement{
		Kind: wire.ElementKind{Tag: wire.KindText}, Id: "new",
	}))

	// "b" moved down a slot after the insert at index 0.
	_, path, ok = pm.GetById("b")
	require.True(t, ok)
	require.Equal(t, wire.UiPath{2}, path)
}

func TestPageManagerChangesOrderedDepthThenIndex(t *testing.T) {
	pm := NewPageManager(rowsPage())

	pm.MutateElement(wire.UiPath{1}, wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindText}, Id: "b"})
	pm.MutateElement(wire.UiPath{}, wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindRows}, Id: "root"})
	pm.MutateElement(wire.UiPath{0}, wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindText}, Id: "a"})

	changes := pm.GetChanges()
	require.Len(t, changes, 3)
	// root (depth 0) settles before its children (depth 1), and among
	// same-depth children, lower index settles first.
	require.Equal(t, wire.UiPath{}, changes[0].Path)
	require.Equal(t, wire.UiPath{0}, changes[1].Path)
	require.Equal(t, wire.UiPath{1}, changes[2].Path)
}

func TestPageManagerDeleteAndMoveChild(t *testing.T) {
	pm := NewPageManager(rowsPage())

	require.True(t, pm.MoveChild(wire.UiPath{}, 0, 1))
	elem, ok := pm.GetElement(wire.UiPath{0})
	require.True(t, ok)
	require.Equal(t, "b", elem.Id)

	require.True(t, pm.DeleteChild(wire.UiPath{}, 0))
	elem, ok = pm.GetElement(wire.UiPath{0})
	require.True(t, ok)
	require.Equal(t, "a", elem.Id)

	require.False(t, pm.DeleteChild(wire.UiPath{}, 5))
}

func TestSingleContentChangeYieldsOneUpdate(t *testing.T) {
	pm := NewPageManager(rowsPage())

	pm.MutateElement(wire.UiPath{1}, wire.UiElement{
		Kind: wire.ElementKind{Tag: wire.KindText}, Id: "b",
		Content: []wire.ContentPart{wire.TextPart("edited")},
	})

	changes := pm.GetChanges()
	require.Len(t, changes, 1)
	require.Equal(t, wire.UiPath{1}, changes[0].Path)
	require.NotNil(t, changes[0].Body)
	require.Empty(t, changes[0].ChildOps)
}

func TestBodyAndChildOpsCombineIntoOneUpdate(t *testing.T) {
	pm := NewPageManager(rowsPage())

	pm.MutateElement(wire.UiPath{}, wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindColumns}, Id: "root"})
	pm.InsertChild(wire.UiPath{}, 0, wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindText}, Id: "new"})

	changes := pm.GetChanges()
	require.Len(t, changes, 1, "body change and child op against the same element merge")
	require.NotNil(t, changes[0].Body)
	require.Len(t, changes[0].ChildOps, 1)
}

func TestReplaceRootRecordsDiffAgainstOldTree(t *testing.T) {
	pm := NewPageManager(rowsPage())

	next := pm.Page().Root
	next.Children = append([]wire.UiElement{}, next.Children...)
	next.Children[0].Content = []wire.ContentPart{wire.TextPart("swapped")}

	mirror := pm.Page().Root
	pm.ReplaceRoot(next)
	updates := pm.GetChanges()
	require.NotEmpty(t, updates)

	Apply(&mirror, updates)
	require.Equal(t, next, mirror)

	// The id index followed the new tree.
	_, path, ok := pm.GetById("a")
	require.True(t, ok)
	require.Equal(t, wire.UiPath{0}, path)
}
