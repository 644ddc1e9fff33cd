package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
)

type scriptedClient struct {
	completions []string
	calls       int
	err         error
}

func (c *scriptedClient) Complete(ctx context.Context, model string, messages []Message, params map[string]any) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	out := c.completions[c.calls%len(c.completions)]
	c.calls++
	return out, nil
}

func llmIntent() journal.Intent {
	return journal.Intent{
		Type:           "llm.call",
		IdempotencyKey: "b1:llm1",
		Payload: map[string]any{
			"provider": "openai",
			"model":    "gpt-test",
			"prompt": map[string]any{
				"messages": []any{
					map[string]any{"role": "user", "content": "say hi"},
				},
			},
		},
	}
}

func fixedClock() func() time.Time {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return fixed }
}

func TestLLMCall_RecordWritesRecording(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPromptStore(dir, ModeRecord)
	require.NoError(t, err)

	client := &scriptedClient{completions: []string{"hi"}}
	d := NewLLMCall(client, store).WithClock(fixedClock())

	it := llmIntent()
	prepared, err := d.Prepare(context.Background(), it)
	require.NoError(t, err)
	receipt, err := d.Commit(context.Background(), it, prepared)
	require.NoError(t, err)

	require.Equal(t, "record", receipt["source"])
	require.Equal(t, "hi", receipt["completion"])
	require.Equal(t, 1, client.calls)

	path := receipt["recordingPath"].(string)
	require.Equal(t, filepath.Join(dir, "0000.json"), path)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLLMCall_TokenTimestampsNonDecreasing(t *testing.T) {
	store, err := NewPromptStore(t.TempDir(), ModeRecord)
	require.NoError(t, err)
	d := NewLLMCall(&scriptedClient{completions: []string{"abc"}}, store).WithClock(fixedClock())

	it := llmIntent()
	prepared, _ := d.Prepare(context.Background(), it)
	receipt, err := d.Commit(context.Background(), it, prepared)
	require.NoError(t, err)

	tokens := receipt["tokens"].([]any)
	require.Len(t, tokens, 3)
	var prev time.Time
	for _, raw := range tokens {
		m := raw.(map[string]any)
		at, err := time.Parse(time.RFC3339Nano, m["at"].(string))
		require.NoError(t, err)
		require.False(t, at.Before(prev))
		prev = at
	}
}

func TestLLMCall_RecordSequencesFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPromptStore(dir, ModeRecord)
	require.NoError(t, err)
	d := NewLLMCall(&scriptedClient{completions: []string{"one", "two"}}, store).WithClock(fixedClock())

	for i := 0; i < 2; i++ {
		it := llmIntent()
		prepared, _ := d.Prepare(context.Background(), it)
		_, err := d.Commit(context.Background(), it, prepared)
		require.NoError(t, err)
	}

	_, err = os.Stat(filepath.Join(dir, "0000.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "0001.json"))
	require.NoError(t, err)
}

func TestLLMCall_ReplayConsumesInOrderWithoutProvider(t *testing.T) {
	dir := t.TempDir()
	recordStore, err := NewPromptStore(dir, ModeRecord)
	require.NoError(t, err)
	recorder := NewLLMCall(&scriptedClient{completions: []string{"first", "second"}}, recordStore).WithClock(fixedClock())
	for i := 0; i < 2; i++ {
		it := llmIntent()
		prepared, _ := recorder.Prepare(context.Background(), it)
		_, err := recorder.Commit(context.Background(), it, prepared)
		require.NoError(t, err)
	}

	replayStore, err := NewPromptStore(dir, ModeReplay)
	require.NoError(t, err)
	replayer := NewLLMCall(nil, replayStore)

	it := llmIntent()
	prepared, _ := replayer.Prepare(context.Background(), it)

	r1, err := replayer.Commit(context.Background(), it, prepared)
	require.NoError(t, err)
	require.Equal(t, "first", r1["completion"])
	require.Equal(t, "replay", r1["source"])

	r2, err := replayer.Commit(context.Background(), it, prepared)
	require.NoError(t, err)
	require.Equal(t, "second", r2["completion"])

	_, err = replayer.Commit(context.Background(), it, prepared)
	require.Equal(t, gateerr.CodeNotFound, gateerr.CodeOf(err))
}

func TestLLMCall_ProviderFailure(t *testing.T) {
	store, err := NewPromptStore(t.TempDir(), ModeRecord)
	require.NoError(t, err)
	d := NewLLMCall(&scriptedClient{err: errors.New("rate limited")}, store)

	it := llmIntent()
	prepared, _ := d.Prepare(context.Background(), it)
	_, err = d.Commit(context.Background(), it, prepared)
	require.Equal(t, gateerr.CodeCommitFailed, gateerr.CodeOf(err))
}

func TestLLMCall_ValidateRejectsEmptyPrompt(t *testing.T) {
	store, err := NewPromptStore(t.TempDir(), ModeRecord)
	require.NoError(t, err)
	d := NewLLMCall(nil, store)

	it := llmIntent()
	it.Payload["prompt"] = map[string]any{"messages": []any{}}
	require.Error(t, d.Validate(context.Background(), it))
}

func TestLLMCall_RollbackIsNoop(t *testing.T) {
	store, err := NewPromptStore(t.TempDir(), ModeRecord)
	require.NoError(t, err)
	d := NewLLMCall(nil, store)
	require.NoError(t, d.Rollback(context.Background(), llmIntent(), nil))
	require.NoError(t, d.RollbackReceipt(context.Background(), llmIntent(), nil))
}
