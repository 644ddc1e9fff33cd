package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/tracegate/pkg/bundle"
	"github.com/deterministic-agent-lab/tracegate/pkg/gate"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/identity"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
	"github.com/deterministic-agent-lab/tracegate/pkg/policy"
	"github.com/deterministic-agent-lab/tracegate/pkg/store"
)

// mockDriver mirrors the orchestrator test double at the API level.
type mockDriver struct {
	mu        sync.Mutex
	rollbacks []journal.Receipt
}

func (m *mockDriver) Prepare(ctx context.Context, it journal.Intent) (journal.Prepared, error) {
	return map[string]any{}, nil
}

func (m *mockDriver) Commit(ctx context.Context, it journal.Intent, prepared journal.Prepared) (journal.Receipt, error) {
	return journal.Receipt{"receipt": "applied"}, nil
}

func (m *mockDriver) Rollback(ctx context.Context, it journal.Intent, prepared journal.Prepared) error {
	return nil
}

func (m *mockDriver) RollbackReceipt(ctx context.Context, it journal.Intent, receipt journal.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks = append(m.rollbacks, receipt)
	return nil
}

func testBlob(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	_, err := bundle.Create(dir, bundle.CreateInput{
		Network: map[string]any{"log": map[string]any{"entries": []any{
			map[string]any{"request": map[string]any{"method": "POST", "url": "https://example.com/api"}},
		}}},
		Intents: []json.RawMessage{
			json.RawMessage(`{"type":"test.mock","payload":{"id":"intent-1","labels":["external_email"],"amount":10,"action":"send"}}`),
		},
		CreatedAt: "2026-03-01T10:00:00Z",
	})
	require.NoError(t, err)
	blob, err := bundle.Pack(dir)
	require.NoError(t, err)
	return blob
}

func newTestServer(t *testing.T) (*httptest.Server, *mockDriver) {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	jnl, err := journal.Open(filepath.Join(dataDir, "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jnl.Close() })

	d := &mockDriver{}
	registry := journal.NewRegistry()
	registry.Register("test.mock", d)

	max := float64(1000)
	pol := &policy.StaticProvider{Config: &policy.Config{
		Version: "v1",
		Allow: []policy.AllowRule{
			{Domains: []string{"example.com"}, Methods: []string{"POST"}, Paths: []string{"/api"}},
		},
		Caps:                  policy.Caps{MaxAmount: &max},
		RequireApprovalLabels: []string{"external_email"},
	}}

	fixed := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	orc := gate.New(st, jnl, registry, pol).WithClock(func() time.Time { return fixed })

	server := NewServer(orc, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, d
}

func doJSON(t *testing.T, method, url string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func ingest(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/bundles", testBlob(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["bundleId"].(string)
}

func TestApprovalGateScenario(t *testing.T) {
	ts, d := newTestServer(t)
	id := ingest(t, ts)

	// Plan: allowed, requires approval.
	resp, plan := doJSON(t, http.MethodGet, ts.URL+"/bundles/"+id+"/plan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pol := plan["policy"].(map[string]any)
	bundleDecision := pol["bundle"].(map[string]any)
	require.Equal(t, true, bundleDecision["allowed"])
	require.Equal(t, true, bundleDecision["requiresApproval"])

	// First commit: 403 ApprovalRequired.
	resp, errBody := doJSON(t, http.MethodPost, ts.URL+"/bundles/"+id+"/commit", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(gateerr.CodeApprovalRequired), errBody["error"])

	// Approve.
	resp, approved := doJSON(t, http.MethodPost, ts.URL+"/bundles/"+id+"/approve", []byte(`{"actor":"alice"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "approved", approved["status"])
	approval := approved["approval"].(map[string]any)
	require.Equal(t, "alice", approval["actor"])
	require.Equal(t, "v1", approval["policyVersion"])

	// Commit succeeds with the expected receipt.
	resp, committed := doJSON(t, http.MethodPost, ts.URL+"/bundles/"+id+"/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "committed", committed["status"])
	receipts := committed["receipts"].([]any)
	require.Len(t, receipts, 1)
	first := receipts[0].(map[string]any)
	require.Equal(t, "intent-1", first["intentId"])
	require.Equal(t, map[string]any{"receipt": "applied"}, first["receipt"])

	// Revert invokes rollback with the stored receipt.
	resp, reverted := doJSON(t, http.MethodPost, ts.URL+"/bundles/"+id+"/revert", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "reverted", reverted["status"])
	require.Len(t, d.rollbacks, 1)
	require.Equal(t, "applied", d.rollbacks[0]["receipt"])
}

func TestIngest_Base64Body(t *testing.T) {
	ts, _ := newTestServer(t)
	encoded := base64.StdEncoding.EncodeToString(testBlob(t))
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/bundles", []byte(encoded))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["bundleId"])
}

func TestIngest_EmptyBody(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/bundles", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestList_IncludesStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	id := ingest(t, ts)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/bundles", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	bundles := body["bundles"].([]any)
	require.Len(t, bundles, 1)
	row := bundles[0].(map[string]any)
	require.Equal(t, id, row["id"])
	require.Equal(t, "pending", row["status"])
}

func TestPlan_UnknownBundle404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/bundles/nope/plan", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApprove_MissingActor400(t *testing.T) {
	ts, _ := newTestServer(t)
	id := ingest(t, ts)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/bundles/"+id+"/approve", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevert_NoReceipts400(t *testing.T) {
	ts, _ := newTestServer(t)
	id := ingest(t, ts)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/bundles/"+id+"/revert", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestApprove_BearerTokenActor(t *testing.T) {
	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	jnl, err := journal.Open(filepath.Join(dataDir, "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jnl.Close() })

	registry := journal.NewRegistry()
	registry.Register("test.mock", &mockDriver{})
	pol := &policy.StaticProvider{Config: &policy.Config{Version: "v1"}}
	orc := gate.New(st, jnl, registry, pol)

	verifier := identity.NewVerifier("hush")
	ts := httptest.NewServer(NewServer(orc, verifier).Handler())
	t.Cleanup(ts.Close)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/bundles", testBlob(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["bundleId"].(string)

	token, err := identity.Mint("hush", "carol", time.Hour, time.Now())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/bundles/"+id+"/approve", bytes.NewReader([]byte(`{"actor":"ignored"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = httpResp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&decoded))
	require.Equal(t, http.StatusOK, httpResp.StatusCode)
	approval := decoded["approval"].(map[string]any)
	require.Equal(t, "carol", approval["actor"])
}
