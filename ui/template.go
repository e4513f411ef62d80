package ui

import (
	"strconv"
	"strings"

	"github.com/spider-net/spider/wire"
)

// DatasetSource resolves a dataset path to its current rows during
// materialization. The ui Processor's DatasetHost satisfies the read side of
// this via the dataset store; tests supply a map.
type DatasetSource func(path wire.DatasetPath) []wire.DatasetData

// Materialize expands every dataset-templated element in the tree: an
// element carrying a DatasetPath treats its child list as a template
// instantiated once per dataset row, with Data content parts resolved
// against that row. Elements without a
// DatasetPath are copied with their children materialized recursively.
//
// The expansion walks (row index, template child, row) triples so each
// materialized child knows both which template position and which dataset
// row produced it; materialized ids are suffixed with the row index to keep
// the id→path index collision-free across rows.
func Materialize(elem wire.UiElement, datasets DatasetSource) wire.UiElement {
	out := elem
	if elem.DatasetPath == nil {
		out.Children = materializeChildren(elem.Children, datasets)
		return out
	}

	rows := datasets(*elem.DatasetPath)
	out.Children = nil
	for rowIdx, row := range rows {
		for _, tmpl := range elem.Children {
			child := instantiate(tmpl, row, rowIdx, datasets)
			out.Children = append(out.Children, child)
		}
	}
	return out
}

func materializeChildren(children []wire.UiElement, datasets DatasetSource) []wire.UiElement {
	if len(children) == 0 {
		return nil
	}
	out := make([]wire.UiElement, 0, len(children))
	for _, c := range children {
		out = append(out, Materialize(c, datasets))
	}
	return out
}

// instantiate produces one concrete subtree from a template child and a
// dataset row: Data content parts become literal text resolved against the
// row at every depth, ids get the row suffix, and a nested element carrying
// its own DatasetPath expands against its own dataset instead.
func instantiate(tmpl wire.UiElement, row wire.DatasetData, rowIdx int, datasets DatasetSource) wire.UiElement {
	if tmpl.DatasetPath != nil {
		return Materialize(tmpl, datasets)
	}
	out := tmpl
	out.Content = resolveContent(tmpl.Content, row)
	if out.Id != "" {
		out.Id = out.Id + ":" + strconv.Itoa(rowIdx)
	}
	out.Children = nil
	for _, c := range tmpl.Children {
		out.Children = append(out.Children, instantiate(c, row, rowIdx, datasets))
	}
	return out
}

func resolveContent(parts []wire.ContentPart, row wire.DatasetData) []wire.ContentPart {
	if len(parts) == 0 {
		return nil
	}
	out := make([]wire.ContentPart, 0, len(parts))
	for _, p := range parts {
		if !p.IsData {
			out = append(out, p)
			continue
		}
		v, ok := lookupRow(row, p.Path)
		if !ok {
			out = append(out, wire.TextPart(""))
			continue
		}
		out = append(out, wire.TextPart(renderValue(v)))
	}
	return out
}

// lookupRow resolves a dot-separated path inside one dataset row: map keys
// by name, array elements by decimal index. An empty path is the row itself.
func lookupRow(row wire.DatasetData, path string) (wire.DatasetData, bool) {
	if path == "" {
		return row, true
	}
	cur := row
	for _, seg := range strings.Split(path, ".") {
		switch cur.Kind {
		case wire.KindMap:
			v, ok := cur.Map[seg]
			if !ok {
				return wire.DatasetData{}, false
			}
			cur = v
		case wire.KindArray:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.Array) {
				return wire.DatasetData{}, false
			}
			cur = cur.Array[idx]
		default:
			return wire.DatasetData{}, false
		}
	}
	return cur, true
}

func renderValue(v wire.DatasetData) string {
	switch v.Kind {
	case wire.KindNull:
		return ""
	case wire.KindByte:
		return strconv.Itoa(int(v.Byte))
	case wire.KindInt32:
		return strconv.Itoa(int(v.Int32))
	case wire.KindFloat32:
		return strconv.FormatFloat(float64(v.Float32), 'g', -1, 32)
	case wire.KindString:
		return v.String
	case wire.KindArray:
		parts := make([]string, 0, len(v.Array))
		for _, e := range v.Array {
			parts = append(parts, renderValue(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case wire.KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		// deterministic output keeps diffs stable across re-renders
		sortStrings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+renderValue(v.Map[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return ""
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
