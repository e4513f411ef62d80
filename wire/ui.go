package wire

import (
	"encoding/json"
	"fmt"

	"github.com/spider-net/spider/identity"
)

// ElementKindTag selects which UiElement shape is in play.
type ElementKindTag int

const (
	KindNone ElementKindTag = iota
	KindSpacer
	KindColumns
	KindRows
	KindGrid
	KindHeader
	KindText
	KindTextEntry
	KindButton
	KindVariable
)

// ElementKind carries the tag plus the (rare) per-kind payload: Grid needs a
// width/height, Variable needs which content part it mirrors.
type ElementKind struct {
	Tag          ElementKindTag
	GridWidth    int
	GridHeight   int
	VariablePart int // index into the owning element's Content
}

type elementKindWire struct {
	Tag        string `json:"tag"`
	GridWidth  int    `json:"grid_width,omitempty"`
	GridHeight int    `json:"grid_height,omitempty"`
	Variable   int    `json:"variable,omitempty"`
}

var kindTagNames = map[ElementKindTag]string{
	KindNone: "none", KindSpacer: "spacer", KindColumns: "columns", KindRows: "rows",
	KindGrid: "grid", KindHeader: "header", KindText: "text", KindTextEntry: "textentry",
	KindButton: "button", KindVariable: "variable",
}

func (k ElementKind) MarshalJSON() ([]byte, error) {
	name, ok := kindTagNames[k.Tag]
	if !ok {
		return nil, fmt.Errorf("wire: unknown element kind %d", k.Tag)
	}
	return json.Marshal(elementKindWire{Tag: name, GridWidth: k.GridWidth, GridHeight: k.GridHeight, Variable: k.VariablePart})
}

func (k *ElementKind) UnmarshalJSON(b []byte) error {
	var w elementKindWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	for tag, name := range kindTagNames {
		if name == w.Tag {
			*k = ElementKind{Tag: tag, GridWidth: w.GridWidth, GridHeight: w.GridHeight, VariablePart: w.Variable}
			return nil
		}
	}
	return fmt.Errorf("wire: unknown element kind tag %q", w.Tag)
}

// ContentPart is one piece of an element's rendered content: literal text or
// a reference into the dataset row backing a templated element.
type ContentPart struct {
	IsData bool
	Text   string
	Path   string // dot-separated path into the dataset row, when IsData
}

func TextPart(s string) ContentPart    { return ContentPart{Text: s} }
func DataPart(path string) ContentPart { return ContentPart{IsData: true, Path: path} }

type contentPartWire struct {
	Text *string `json:"text,omitempty"`
	Data *string `json:"data,omitempty"`
}

func (c ContentPart) MarshalJSON() ([]byte, error) {
	if c.IsData {
		return json.Marshal(contentPartWire{Data: &c.Path})
	}
	return json.Marshal(contentPartWire{Text: &c.Text})
}

func (c *ContentPart) UnmarshalJSON(b []byte) error {
	var w contentPartWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Data != nil {
		*c = DataPart(*w.Data)
		return nil
	}
	if w.Text != nil {
		*c = TextPart(*w.Text)
		return nil
	}
	return fmt.Errorf("wire: content part has neither text nor data")
}

// UiPath addresses an element within a page tree as a sequence of child
// indices from the root.
type UiPath []int

func (p UiPath) Equal(o UiPath) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

func (p UiPath) String() string {
	return fmt.Sprintf("%v", []int(p))
}

// UiElement is one node of a page tree. Children, when
// DatasetPath is set, are a template expanded once per row of that
// dataset rather than a literal child list.
type UiElement struct {
	Kind        ElementKind
	Id          string `json:"id,omitempty"`
	Selectable  bool
	Content     []ContentPart
	AltText     string       `json:"alt_text,omitempty"`
	DatasetPath *DatasetPath `json:"dataset_path,omitempty"`
	Children    []UiElement  `json:"children,omitempty"`
}

// UiPage is the tree a single peripheral (or the base itself, for the
// Settings page) owns.
type UiPage struct {
	OwnerId identity.NodeId
	Name    string
	Root    UiElement
}

// ChildOp is one mutation to an element's child list.
type ChildOp struct {
	InsertIndex int        `json:"insert_index,omitempty"`
	InsertElem  *UiElement `json:"insert_elem,omitempty"`
	DeleteIndex *int       `json:"delete_index,omitempty"`
	MoveFrom    *int       `json:"move_from,omitempty"`
	MoveTo      int        `json:"move_to,omitempty"`
}

func InsertOp(index int, elem UiElement) ChildOp {
	return ChildOp{InsertIndex: index, InsertElem: &elem}
}
func DeleteOp(index int) ChildOp {
	return ChildOp{DeleteIndex: &index}
}
func MoveOp(from, to int) ChildOp {
	return ChildOp{MoveFrom: &from, MoveTo: to}
}

// ElementUpdate is one unit of the diff between two versions of a page:
// the element body (kind/content/etc, children excluded) if it changed, and
// any child-list operations, both anchored at Path.
type ElementUpdate struct {
	Path     UiPath
	Body     *UiElement `json:"body,omitempty"`
	ChildOps []ChildOp  `json:"child_ops,omitempty"`
}

// UpdateSummary is returned by applying a batch of ElementUpdates: the net
// per-dataset-path subscription-count delta and whether anything observably
// changed.
type UpdateSummary struct {
	DatasetDelta map[string]int
	Changed      bool
}

func NewUpdateSummary() UpdateSummary {
	return UpdateSummary{DatasetDelta: map[string]int{}}
}

func (s *UpdateSummary) AddDelta(path string, delta int) {
	if delta == 0 {
		return
	}
	s.DatasetDelta[path] += delta
	if s.DatasetDelta[path] == 0 {
		delete(s.DatasetDelta, path)
	}
	s.Changed = true
}

func (s *UpdateSummary) Merge(o UpdateSummary) {
	for k, v := range o.DatasetDelta {
		s.AddDelta(k, v)
	}
	s.Changed = s.Changed || o.Changed
}

// UiMessage is the Ui(...) arm of Message.
type UiMessage struct {
	SetPage        *SetPageMsg        `json:"set_page,omitempty"`
	UpdateElements *UpdateElementsMsg `json:"update_elements,omitempty"`
	InputFor       *InputForMsg       `json:"input_for,omitempty"`
	Subscribe      *struct{}          `json:"subscribe,omitempty"`
	Unsubscribe    *struct{}          `json:"unsubscribe,omitempty"`
	Dataset        *UiDatasetMsg      `json:"dataset,omitempty"`
}

type SetPageMsg struct {
	Page UiPage
}

type UpdateElementsMsg struct {
	OwnerId identity.NodeId
	Updates []ElementUpdate
}

// InputFor carries an operator interaction back to whoever owns the page;
// ElementId's trailing character selects which of up to 10 inputs on that
// row fired.
type InputForMsg struct {
	OwnerId    identity.NodeId
	ElementId  string
	DatasetIds []string
	Input      string
}

type UiDatasetMsg struct {
	Path DatasetPath
	Data []DatasetData
}
