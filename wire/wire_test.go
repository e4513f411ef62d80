package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatasetDataJSONRoundTrip(t *testing.T) {
	val := MapVal(map[string]DatasetData{
		"name":   StringVal("sensor"),
		"counts": ArrayVal([]DatasetData{Int32Val(1), Int32Val(2)}),
		"level":  Float32Val(0.5),
		"flag":   ByteVal(7),
		"gap":    Null(),
	})

	b, err := json.Marshal(val)
	require.NoError(t, err)

	var decoded DatasetData
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, val, decoded)
}

func TestDatasetDataRejectsUnknownType(t *testing.T) {
	var d DatasetData
	err := json.Unmarshal([]byte(`{"type":"blob"}`), &d)
	require.Error(t, err)
}

func TestContentPartJSONRoundTrip(t *testing.T) {
	parts := []ContentPart{TextPart("label: "), DataPart("row.value")}
	b, err := json.Marshal(parts)
	require.NoError(t, err)

	var decoded []ContentPart
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, parts, decoded)
}

func TestElementKindJSONRoundTrip(t *testing.T) {
	kinds := []ElementKind{
		{Tag: KindText},
		{Tag: KindGrid, GridWidth: 3, GridHeight: 2},
		{Tag: KindVariable, VariablePart: 1},
	}
	for _, k := range kinds {
		b, err := json.Marshal(k)
		require.NoError(t, err)
		var decoded ElementKind
		require.NoError(t, json.Unmarshal(b, &decoded))
		require.Equal(t, k, decoded)
	}

	var bad ElementKind
	require.Error(t, json.Unmarshal([]byte(`{"tag":"carousel"}`), &bad))
}

func TestMessageEnvelopeSelectsOneArm(t *testing.T) {
	msg := RouterMsg(RouterMessage{Event: &EventMsg{Name: "x", Data: StringVal("hello")}})
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.NotNil(t, decoded.Router)
	require.Nil(t, decoded.Ui)
	require.Nil(t, decoded.Dataset)
	require.Equal(t, "x", decoded.Router.Event.Name)
	require.Equal(t, StringVal("hello"), decoded.Router.Event.Data)
}

func TestUpdateSummaryDeltaAccounting(t *testing.T) {
	s := NewUpdateSummary()
	require.False(t, s.Changed)

	s.AddDelta("public/a", 2)
	s.AddDelta("public/a", -2)
	require.True(t, s.Changed)
	_, present := s.DatasetDelta["public/a"]
	require.False(t, present, "a delta that nets to zero is dropped")

	other := NewUpdateSummary()
	other.AddDelta("public/b", 1)
	s.Merge(other)
	require.Equal(t, 1, s.DatasetDelta["public/b"])
}
