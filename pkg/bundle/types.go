// Package bundle implements the trace bundle container: a content-addressed,
// immutable record of one agent execution. A bundle couples a manifest with
// seven components (environment, clock, network archive, filesystem diff,
// logs, prompt recordings, intents) and a hashing scheme that makes the whole
// artifact bit-reproducible and tamper-evident.
package bundle

import (
	"encoding/json"
)

// Version is the manifest format identifier.
const Version = "deterministic-agent-lab/trace-bundle@1"

// Component names, in the fixed order used for whole-bundle hashing.
const (
	ComponentEnv     = "env"
	ComponentClock   = "clock"
	ComponentNetwork = "network"
	ComponentFSDiff  = "fsDiff"
	ComponentLogs    = "logs"
	ComponentPrompts = "prompts"
	ComponentIntents = "intents"
)

// ComponentOrder is the fixed component order for whole-bundle hashing.
var ComponentOrder = []string{
	ComponentEnv,
	ComponentClock,
	ComponentNetwork,
	ComponentFSDiff,
	ComponentLogs,
	ComponentPrompts,
	ComponentIntents,
}

// defaultPaths maps each component to its canonical relative path.
var defaultPaths = map[string]string{
	ComponentEnv:     "env.json",
	ComponentClock:   "clock.json",
	ComponentNetwork: "network.har",
	ComponentFSDiff:  "fs-diff",
	ComponentLogs:    "logs",
	ComponentPrompts: "prompts",
	ComponentIntents: "intents.jsonl",
}

// dirComponents are components stored as directory trees rather than files.
var dirComponents = map[string]bool{
	ComponentFSDiff:  true,
	ComponentLogs:    true,
	ComponentPrompts: true,
}

// Manifest is the bundle's manifest.json structure.
type Manifest struct {
	Version     string            `json:"version"`
	CreatedAt   string            `json:"createdAt"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Files       map[string]string `json:"files"`
	Hashes      map[string]string `json:"hashes,omitempty"`
}

// Bundle is an opened, validated trace bundle rooted at Dir.
type Bundle struct {
	Dir      string
	Manifest Manifest
}

// HAREntry is one recorded network exchange, reduced to the fields the gate
// evaluates. The on-disk form is a full HTTP Archive.
type HAREntry struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// har mirrors the subset of the HTTP Archive format the gate reads back.
type har struct {
	Log struct {
		Entries []struct {
			Request struct {
				Method string `json:"method"`
				URL    string `json:"url"`
			} `json:"request"`
		} `json:"entries"`
	} `json:"log"`
}

// FSDiffInput is the filesystem diff supplied when authoring a bundle.
type FSDiffInput struct {
	BaseTar []byte
	Files   map[string][]byte
	Deleted []string
}

// CreateInput carries the seven components when authoring a bundle.
type CreateInput struct {
	Env         map[string]any
	Clock       map[string]any
	Network     any
	FSDiff      FSDiffInput
	Logs        map[string][]byte
	Prompts     []json.RawMessage
	Intents     []json.RawMessage
	Description string
	Metadata    map[string]any
	CreatedAt   string
}
