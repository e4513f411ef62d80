package ui

import (
	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// SettingKind selects what an operator control row looks like.
type SettingKind int

const (
	SettingText SettingKind = iota
	SettingTextEntry
	SettingButton
)

// SettingInput is one control within a settings row.
type SettingInput struct {
	Kind  SettingKind
	Label string
}

// SettingCallback fires when the operator interacts with one of a row's
// inputs; slot is the input's index within the row the callback was
// registered for.
type SettingCallback func(slot int, value string)

type settingRow struct {
	header   string
	title    string
	inputs   []SettingInput
	callback SettingCallback
	id       string
}

// settingsPage is the base's own Settings page, grouped into headers.
// The DangerZoneHeader section always renders last.
type settingsPage struct {
	pm      *PageManager
	headers []string
	rows    map[string][]*settingRow // header -> ordered rows
	rowById map[string]*settingRow
}

// DangerZoneHeader groups destructive rows (the router's "leave all chords"
// row); it always renders last regardless of registration order.
const DangerZoneHeader = "danger zone"

func newSettingsPage(self identity.NodeId) *settingsPage {
	root := wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindRows}, Id: "root"}
	page := wire.UiPage{OwnerId: self, Name: "settings", Root: root}
	return &settingsPage{
		pm:      NewPageManager(page),
		rows:    map[string][]*settingRow{},
		rowById: map[string]*settingRow{},
	}
}

// SetSetting upserts one operator-control row under header/title. Calling it
// again for the same (header, title) replaces the row's inputs and callback
// in place, preserving its position.
func (s *settingsPage) SetSetting(header, title string, inputs []SettingInput, cb SettingCallback) {
	id := header + "\x00" + title
	if row, ok := s.rowById[id]; ok {
		row.inputs = inputs
		row.callback = cb
		s.rebuildHeader(header)
		return
	}
	row := &settingRow{header: header, title: title, inputs: inputs, callback: cb, id: id}
	s.rowById[id] = row
	if _, ok := s.rows[header]; !ok {
		s.headers = append(s.headers, header)
	}
	s.rows[header] = append(s.rows[header], row)
	s.rebuildHeader(header)
}

func (s *settingsPage) RemoveSetting(header, title string) {
	id := header + "\x00" + title
	if _, ok := s.rowById[id]; !ok {
		return
	}
	delete(s.rowById, id)
	rows := s.rows[header]
	for i, r := range rows {
		if r.id == id {
			s.rows[header] = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	s.rebuildHeader(header)
}

// rebuildHeader regenerates the whole settings tree. The settings page is
// small (a handful of headers, a handful of rows each) so a full rebuild on
// every change is simpler than incremental child surgery; ReplaceRoot diffs
// the old tree against the rebuilt one so subscribers still receive a
// minimal update batch.
func (s *settingsPage) rebuildHeader(string) {
	ordered := make([]string, 0, len(s.headers))
	danger := false
	for _, h := range s.headers {
		if h == DangerZoneHeader {
			danger = true
			continue
		}
		ordered = append(ordered, h)
	}
	if danger {
		ordered = append(ordered, DangerZoneHeader)
	}

	root := wire.UiElement{Kind: wire.ElementKind{Tag: wire.KindRows}, Id: "root"}
	for _, header := range ordered {
		root.Children = append(root.Children, s.renderHeader(header))
	}
	s.pm.ReplaceRoot(root)
}

func (s *settingsPage) renderHeader(header string) wire.UiElement {
	section := wire.UiElement{
		Kind:    wire.ElementKind{Tag: wire.KindRows},
		Id:      "header:" + header,
		Content: []wire.ContentPart{wire.TextPart(header)},
	}
	headerTitle := wire.UiElement{
		Kind:    wire.ElementKind{Tag: wire.KindHeader},
		Content: []wire.ContentPart{wire.TextPart(header)},
	}
	section.Children = append(section.Children, headerTitle)
	for _, row := range s.rows[header] {
		section.Children = append(section.Children, renderRow(row))
	}
	return section
}

// renderRow expands one row's input list into a UiElement subtree. The
// base's own settings rows are rendered directly rather than through the
// dataset-template path: each row is a fixed columns element whose children
// are its inputs.
func renderRow(row *settingRow) wire.UiElement {
	r := wire.UiElement{
		Kind:    wire.ElementKind{Tag: wire.KindColumns},
		Id:      row.id,
		Content: []wire.ContentPart{wire.TextPart(row.title)},
	}
	for i, input := range row.inputs {
		r.Children = append(r.Children, renderInput(row.id, i, input))
	}
	return r
}

func renderInput(rowId string, slot int, input SettingInput) wire.UiElement {
	kind := wire.KindText
	switch input.Kind {
	case SettingTextEntry:
		kind = wire.KindTextEntry
	case SettingButton:
		kind = wire.KindButton
	}
	return wire.UiElement{
		Kind:       wire.ElementKind{Tag: kind},
		Id:         slotId(rowId, slot),
		Selectable: input.Kind != SettingText,
		Content:    []wire.ContentPart{wire.TextPart(input.Label)},
	}
}

// slotId packs the input slot into the element id's trailing character, so
// InputFor can recover which of up to 10 inputs on a row fired.
func slotId(rowId string, slot int) string {
	if slot < 0 || slot > 9 {
		slot = 9
	}
	return rowId + string(rune('0'+slot))
}

func (s *settingsPage) handleInput(msg wire.InputForMsg) {
	if len(msg.ElementId) == 0 {
		return
	}
	rowId := msg.ElementId[:len(msg.ElementId)-1]
	slot := int(msg.ElementId[len(msg.ElementId)-1] - '0')
	row, ok := s.rowById[rowId]
	if !ok || row.callback == nil {
		return
	}
	row.callback(slot, msg.Input)
}
