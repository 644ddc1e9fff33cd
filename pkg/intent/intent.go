// Package intent models the side-effect declarations recorded inside a trace
// bundle. Intents are ordered; their order of appearance defines the commit
// order, and every intent carries a stable ID used for idempotency keys and
// receipt lookup.
package intent

import (
	"encoding/json"
	"fmt"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// Well-known intent types.
const (
	TypeFileWrite = "file.write"
	TypeHTTPPost  = "http.post"
	TypeLLMCall   = "llm.call"
	TypeEmailSend = "email.send"
)

// Record is one intent as it appears in the bundle's intents sequence.
type Record struct {
	Index     int            `json:"index"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// ID is attached after parsing; it is not part of the wire form.
	ID string `json:"-"`
}

// defaultLabels maps intent types to labels applied when the intent does not
// carry them already. Policy approval rules key off these.
var defaultLabels = map[string][]string{
	TypeEmailSend: {"external_email"},
	TypeHTTPPost:  {"network_write"},
	TypeFileWrite: {"filesystem_write"},
	TypeLLMCall:   {"llm_invocation"},
}

// Parse decodes the raw intent records of a bundle, in order.
func Parse(raw []json.RawMessage) ([]Record, error) {
	records := make([]Record, 0, len(raw))
	for i, line := range raw {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeBundleInvalid, err, "intent record %d", i)
		}
		if rec.Type == "" {
			return nil, gateerr.New(gateerr.CodeBundleInvalid, "intent record %d has no type", i)
		}
		rec.Index = i
		records = append(records, rec)
	}
	return records, nil
}

// AttachIDs assigns a stable ID to every record: metadata.id when present,
// else payload.id, else "<type>:<index>" zero-padded to four digits. Two
// records resolving to the same ID make the whole sequence invalid.
func AttachIDs(records []Record) error {
	seen := make(map[string]int, len(records))
	for i := range records {
		id := stringField(records[i].Metadata, "id")
		if id == "" {
			id = stringField(records[i].Payload, "id")
		}
		if id == "" {
			id = fmt.Sprintf("%s:%04d", records[i].Type, records[i].Index)
		}
		if prev, dup := seen[id]; dup {
			return gateerr.New(gateerr.CodeDuplicateIntentID,
				"intents %d and %d share id %q", prev, i, id)
		}
		seen[id] = i
		records[i].ID = id
	}
	return nil
}

// ApplyDefaultLabels merges type-derived labels into each record's metadata
// without clobbering labels the recorder set explicitly.
func ApplyDefaultLabels(records []Record) {
	for i := range records {
		defaults, ok := defaultLabels[records[i].Type]
		if !ok {
			continue
		}
		if records[i].Metadata == nil {
			records[i].Metadata = map[string]any{}
		}
		existing := StringLabels(records[i].Metadata)
		have := make(map[string]struct{}, len(existing))
		for _, l := range existing {
			have[l] = struct{}{}
		}
		merged := make([]any, 0, len(existing)+len(defaults))
		for _, l := range existing {
			merged = append(merged, l)
		}
		for _, l := range defaults {
			if _, ok := have[l]; !ok {
				merged = append(merged, l)
			}
		}
		records[i].Metadata["labels"] = merged
	}
}

// Labels collects the string-typed labels of a record from both payload and
// metadata.
func (r *Record) Labels() []string {
	labels := StringLabels(r.Payload)
	labels = append(labels, StringLabels(r.Metadata)...)
	return labels
}

// StringLabels extracts the string entries of a "labels" array field.
// Non-string entries are ignored.
func StringLabels(m map[string]any) []string {
	if m == nil {
		return nil
	}
	raw, ok := m["labels"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
