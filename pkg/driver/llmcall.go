package driver

import (
	"context"
	"time"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
)

// LLMClient is the provider interface the record-mode driver calls.
type LLMClient interface {
	Complete(ctx context.Context, model string, messages []Message, params map[string]any) (string, error)
}

// LLMCall records or replays LLM exchanges through a prompt store. In replay
// mode the provider is never contacted.
type LLMCall struct {
	client LLMClient
	store  *PromptStore
	clock  func() time.Time
}

// NewLLMCall creates the LLM driver. client may be nil in replay mode.
func NewLLMCall(client LLMClient, store *PromptStore) *LLMCall {
	return &LLMCall{client: client, store: store, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (d *LLMCall) WithClock(clock func() time.Time) *LLMCall {
	d.clock = clock
	return d
}

// BindPrompts points the driver at a bundle's prompt recordings. The gate
// rebinds before each commit so replay consumes that bundle's recordings.
func (d *LLMCall) BindPrompts(dir, mode string) error {
	store, err := NewPromptStore(dir, mode)
	if err != nil {
		return err
	}
	d.store = store
	return nil
}

type llmPrepared struct {
	provider string
	model    string
	messages []Message
	prompt   map[string]any
	params   map[string]any
}

// Validate checks the payload shape.
func (d *LLMCall) Validate(ctx context.Context, it journal.Intent) error {
	_, err := parseLLMPayload(it)
	return err
}

func parseLLMPayload(it journal.Intent) (*llmPrepared, error) {
	provider, _ := it.Payload["provider"].(string)
	model, _ := it.Payload["model"].(string)
	if provider == "" || model == "" {
		return nil, gateerr.New(gateerr.CodePrepareFailed, "llm call needs provider and model")
	}
	prompt, _ := it.Payload["prompt"].(map[string]any)
	rawMessages, _ := prompt["messages"].([]any)
	if len(rawMessages) == 0 {
		return nil, gateerr.New(gateerr.CodePrepareFailed, "llm call needs prompt.messages")
	}
	messages := make([]Message, 0, len(rawMessages))
	for _, raw := range rawMessages {
		m, _ := raw.(map[string]any)
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		messages = append(messages, Message{Role: role, Content: content})
	}
	params, _ := it.Payload["params"].(map[string]any)
	return &llmPrepared{
		provider: provider,
		model:    model,
		messages: messages,
		prompt:   prompt,
		params:   params,
	}, nil
}

// Prepare parses the payload; nothing external is touched.
func (d *LLMCall) Prepare(ctx context.Context, it journal.Intent) (journal.Prepared, error) {
	return parseLLMPayload(it)
}

// Commit calls the provider and records the exchange, or serves the next
// recording, depending on the store's mode.
func (d *LLMCall) Commit(ctx context.Context, it journal.Intent, prepared journal.Prepared) (journal.Receipt, error) {
	p, ok := prepared.(*llmPrepared)
	if !ok {
		return nil, gateerr.New(gateerr.CodeCommitFailed, "llm call got foreign prepared state")
	}
	if d.store == nil {
		return nil, gateerr.New(gateerr.CodeCommitFailed, "llm call has no prompt store bound")
	}

	if d.store.Mode() == ModeReplay {
		rec, path, err := d.store.Next()
		if err != nil {
			return nil, err
		}
		return llmReceipt(rec, "replay", path), nil
	}

	if d.client == nil {
		return nil, gateerr.New(gateerr.CodeCommitFailed, "llm call has no provider client in record mode")
	}
	completion, err := d.client.Complete(ctx, p.model, p.messages, p.params)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeCommitFailed, err, "provider %s", p.provider)
	}

	now := d.clock().UTC()
	rec := &Recording{
		Provider:   p.provider,
		Model:      p.model,
		Prompt:     p.prompt,
		Params:     p.params,
		Completion: completion,
		Tokens:     synthesizeTokens(completion, now),
		RecordedAt: now.Format(time.RFC3339),
	}
	path, err := d.store.Save(rec)
	if err != nil {
		return nil, err
	}
	return llmReceipt(rec, "record", path), nil
}

// Rollback is a no-op: replay never reapplies, so there is nothing to
// compensate.
func (d *LLMCall) Rollback(ctx context.Context, it journal.Intent, prepared journal.Prepared) error {
	return nil
}

// RollbackReceipt is likewise a no-op.
func (d *LLMCall) RollbackReceipt(ctx context.Context, it journal.Intent, receipt journal.Receipt) error {
	return nil
}

// synthesizeTokens produces one event per character with non-decreasing
// timestamps stepped off the base clock reading.
func synthesizeTokens(completion string, base time.Time) []TokenEvent {
	tokens := make([]TokenEvent, 0, len(completion))
	for i, r := range []rune(completion) {
		at := base.Add(time.Duration(i) * time.Millisecond)
		tokens = append(tokens, TokenEvent{Text: string(r), At: at.Format(time.RFC3339Nano)})
	}
	return tokens
}

func llmReceipt(rec *Recording, source, path string) journal.Receipt {
	tokens := make([]any, 0, len(rec.Tokens))
	for _, t := range rec.Tokens {
		tokens = append(tokens, map[string]any{"text": t.Text, "at": t.At})
	}
	return journal.Receipt{
		"provider":      rec.Provider,
		"model":         rec.Model,
		"completion":    rec.Completion,
		"tokens":        tokens,
		"recordedAt":    rec.RecordedAt,
		"source":        source,
		"recordingPath": path,
	}
}
