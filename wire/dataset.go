package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spider-net/spider/identity"
)

// DatasetDataKind tags the single active field of a DatasetData value.
type DatasetDataKind int

const (
	KindNull DatasetDataKind = iota
	KindByte
	KindInt32
	KindFloat32
	KindString
	KindArray
	KindMap
)

// DatasetData is a dynamically typed value stored in a dataset.
// It behaves like a small closed sum type; exactly one of the typed fields
// is meaningful, selected by Kind.
type DatasetData struct {
	Kind    DatasetDataKind
	Byte    byte
	Int32   int32
	Float32 float32
	String  string
	Array   []DatasetData
	Map     map[string]DatasetData
}

func Null() DatasetData                    { return DatasetData{Kind: KindNull} }
func ByteVal(b byte) DatasetData           { return DatasetData{Kind: KindByte, Byte: b} }
func Int32Val(i int32) DatasetData         { return DatasetData{Kind: KindInt32, Int32: i} }
func Float32Val(f float32) DatasetData     { return DatasetData{Kind: KindFloat32, Float32: f} }
func StringVal(s string) DatasetData       { return DatasetData{Kind: KindString, String: s} }
func ArrayVal(a []DatasetData) DatasetData { return DatasetData{Kind: KindArray, Array: a} }
func MapVal(m map[string]DatasetData) DatasetData {
	return DatasetData{Kind: KindMap, Map: m}
}

type datasetDataWire struct {
	Type    string                 `json:"type"`
	Byte    *byte                  `json:"byte,omitempty"`
	Int32   *int32                 `json:"int32,omitempty"`
	Float32 *float32               `json:"float32,omitempty"`
	String  *string                `json:"string,omitempty"`
	Array   []DatasetData          `json:"array,omitempty"`
	Map     map[string]DatasetData `json:"map,omitempty"`
}

func (d DatasetData) MarshalJSON() ([]byte, error) {
	w := datasetDataWire{}
	switch d.Kind {
	case KindNull:
		w.Type = "null"
	case KindByte:
		w.Type = "byte"
		w.Byte = &d.Byte
	case KindInt32:
		w.Type = "int32"
		w.Int32 = &d.Int32
	case KindFloat32:
		w.Type = "float32"
		w.Float32 = &d.Float32
	case KindString:
		w.Type = "string"
		w.String = &d.String
	case KindArray:
		w.Type = "array"
		w.Array = d.Array
		if w.Array == nil {
			w.Array = []DatasetData{}
		}
	case KindMap:
		w.Type = "map"
		w.Map = d.Map
		if w.Map == nil {
			w.Map = map[string]DatasetData{}
		}
	default:
		return nil, fmt.Errorf("wire: unknown DatasetData kind %d", d.Kind)
	}
	return json.Marshal(w)
}

func (d *DatasetData) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = Null()
		return nil
	}
	var w datasetDataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case "null", "":
		*d = Null()
	case "byte":
		if w.Byte == nil {
			return fmt.Errorf("wire: byte value missing")
		}
		*d = ByteVal(*w.Byte)
	case "int32":
		if w.Int32 == nil {
			return fmt.Errorf("wire: int32 value missing")
		}
		*d = Int32Val(*w.Int32)
	case "float32":
		if w.Float32 == nil {
			return fmt.Errorf("wire: float32 value missing")
		}
		*d = Float32Val(*w.Float32)
	case "string":
		if w.String == nil {
			return fmt.Errorf("wire: string value missing")
		}
		*d = StringVal(*w.String)
	case "array":
		*d = ArrayVal(w.Array)
	case "map":
		*d = MapVal(w.Map)
	default:
		return fmt.Errorf("wire: unknown DatasetData type %q", w.Type)
	}
	return nil
}

// Scope is which namespace a dataset path lives in.
type Scope int

const (
	ScopePrivate Scope = iota
	ScopePublic
)

func (s Scope) String() string {
	if s == ScopePublic {
		return "public"
	}
	return "private"
}

// DatasetPath is how a dataset is addressed on the wire: Private paths are
// scoped to whichever peripheral sent/receives the message, resolved to an
// AbsoluteDatasetPath once the router/dataset store knows which peripheral
// that is.
type DatasetPath struct {
	Scope Scope
	Name  []string
}

func (p DatasetPath) String() string {
	s := p.Scope.String()
	for _, seg := range p.Name {
		s += "/" + seg
	}
	return s
}

// AbsoluteDatasetPath resolves Private against a concrete peripheral id, so
// it can be used as a filesystem path / subscription map key independent of
// which sender mentioned it.
type AbsoluteDatasetPath struct {
	Scope      Scope
	Peripheral identity.NodeId
	Name       []string
}

func (p AbsoluteDatasetPath) String() string {
	if p.Scope == ScopePublic {
		s := "public"
		for _, seg := range p.Name {
			s += "/" + seg
		}
		return s
	}
	s := "private/" + string(p.Peripheral)
	for _, seg := range p.Name {
		s += "/" + seg
	}
	return s
}
