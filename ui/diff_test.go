package ui

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/wire"
)

func TestDiffApplyRoundTrip(t *testing.T) {
	before := rowsPage().Root
	after := before
	after.Children = append([]wire.UiElement{}, before.Children...)
	after.Children[0].Content = []wire.ContentPart{wire.TextPart("changed")}
	after.Children = append(after.Children, wire.UiElement{
		Kind: wire.ElementKind{Tag: wire.KindText}, Id: "c", Content: []wire.ContentPart{wire.TextPart("three")},
	})

	updates := Diff(before, after)
	require.NotEmpty(t, updates)

	got := before
	Apply(&got, updates)
	require.Equal(t, after, got)
}

func TestDiffNoChangeProducesNoUpdates(t *testing.T) {
	before := rowsPage().Root
	after := before
	require.Empty(t, Diff(before, after))
}

func TestDiffDeletesTrailingChildren(t *testing.T) {
	before := rowsPage().Root
	after := before
	after.Children = after.Children[:1]

	updates := Diff(before, after)
	require.NotEmpty(t, updates)

	got := before
	Apply(&got, updates)
	require.Len(t, got.Children, 1)
	require.Equal(t, "a", got.Children[0].Id)
}

func TestApplyMoveOp(t *testing.T) {
	root := rowsPage().Root
	applyChildOp(&root, wire.MoveOp(0, 1))
	require.Equal(t, "b", root.Children[0].Id)
	require.Equal(t, "a", root.Children[1].Id)
}
