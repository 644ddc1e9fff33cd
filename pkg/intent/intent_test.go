package intent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

func TestParse_OrderAndIndex(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"type":"file.write","payload":{"path":"/w/a.txt"}}`),
		json.RawMessage(`{"type":"http.post","payload":{"url":"https://example.com"}}`),
	}
	records, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 0, records[0].Index)
	require.Equal(t, 1, records[1].Index)
	require.Equal(t, "file.write", records[0].Type)
}

func TestParse_RejectsUntyped(t *testing.T) {
	_, err := Parse([]json.RawMessage{json.RawMessage(`{"payload":{}}`)})
	require.Equal(t, gateerr.CodeBundleInvalid, gateerr.CodeOf(err))
}

func TestAttachIDs_Priority(t *testing.T) {
	records := []Record{
		{Index: 0, Type: "test.mock", Metadata: map[string]any{"id": "meta-id"}, Payload: map[string]any{"id": "payload-id"}},
		{Index: 1, Type: "test.mock", Payload: map[string]any{"id": "payload-id"}},
		{Index: 2, Type: "test.mock", Payload: map[string]any{}},
	}
	require.NoError(t, AttachIDs(records))
	require.Equal(t, "meta-id", records[0].ID)
	require.Equal(t, "payload-id", records[1].ID)
	require.Equal(t, "test.mock:0002", records[2].ID)
}

func TestAttachIDs_DuplicateRejected(t *testing.T) {
	records := []Record{
		{Index: 0, Type: "a", Payload: map[string]any{"id": "same"}},
		{Index: 1, Type: "b", Payload: map[string]any{"id": "same"}},
	}
	err := AttachIDs(records)
	require.Equal(t, gateerr.CodeDuplicateIntentID, gateerr.CodeOf(err))
}

func TestApplyDefaultLabels(t *testing.T) {
	records := []Record{
		{Index: 0, Type: TypeEmailSend},
		{Index: 1, Type: TypeHTTPPost, Metadata: map[string]any{"labels": []any{"custom"}}},
		{Index: 2, Type: "test.mock"},
	}
	ApplyDefaultLabels(records)

	require.Equal(t, []any{"external_email"}, records[0].Metadata["labels"])
	require.Equal(t, []any{"custom", "network_write"}, records[1].Metadata["labels"])
	require.Nil(t, records[2].Metadata)
}

func TestLabels_MergesPayloadAndMetadata(t *testing.T) {
	r := Record{
		Payload:  map[string]any{"labels": []any{"external_email", 7}},
		Metadata: map[string]any{"labels": []any{"network_write"}},
	}
	require.Equal(t, []string{"external_email", "network_write"}, r.Labels())
}
