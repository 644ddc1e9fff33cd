package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/deterministic-agent-lab/tracegate/pkg/canonicalize"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
	"github.com/deterministic-agent-lab/tracegate/pkg/rollback"
)

const idempotencyHeader = "Idempotency-Key"

// HTTPPost issues JSON POSTs with idempotency headers and derives reversible
// metadata so a committed request can later be compensated.
type HTTPPost struct {
	client   *http.Client
	registry *rollback.Registry
}

// NewHTTPPost creates the HTTP POST driver. A nil registry disables
// rule-based rollback derivation.
func NewHTTPPost(client *http.Client, registry *rollback.Registry) *HTTPPost {
	if client == nil {
		client = http.DefaultClient
	}
	if registry == nil {
		registry = rollback.Empty()
	}
	return &HTTPPost{client: client, registry: registry}
}

type httpPostPrepared struct {
	url     *url.URL
	body    string
	headers map[string]string
	match   *rollback.Match
}

// Validate checks the payload shape before any state is captured.
func (d *HTTPPost) Validate(ctx context.Context, it journal.Intent) error {
	rawURL, _ := it.Payload["url"].(string)
	if rawURL == "" {
		return gateerr.New(gateerr.CodePrepareFailed, "http post needs a url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return gateerr.New(gateerr.CodePrepareFailed, "http post url %q is invalid", rawURL)
	}
	return nil
}

// Prepare composes headers, stamps the idempotency key, stringifies the body
// and attaches a registry match when one applies.
func (d *HTTPPost) Prepare(ctx context.Context, it journal.Intent) (journal.Prepared, error) {
	rawURL, _ := it.Payload["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, gateerr.New(gateerr.CodePrepareFailed, "http post url %q is invalid", rawURL)
	}

	headers := map[string]string{}
	if given, ok := it.Payload["headers"].(map[string]any); ok {
		for k, v := range given {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	if !hasHeader(headers, "content-type") {
		headers["Content-Type"] = "application/json"
	}
	if !hasHeader(headers, idempotencyHeader) {
		headers[idempotencyHeader] = it.IdempotencyKey
	}

	body := ""
	switch raw := it.Payload["body"].(type) {
	case nil:
	case string:
		body = raw
	default:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, gateerr.Wrap(gateerr.CodePrepareFailed, err, "encode http post body")
		}
		body = string(encoded)
	}

	var bodyDoc any
	_ = json.Unmarshal([]byte(body), &bodyDoc)

	match := d.registry.FindRule(rollback.RequestContext{
		Host:    parsed.Hostname(),
		Method:  http.MethodPost,
		Path:    parsed.Path,
		Headers: headers,
		Body:    bodyDoc,
	})

	return &httpPostPrepared{url: parsed, body: body, headers: headers, match: match}, nil
}

// RollbackPreview summarizes how a prepared request would be compensated.
// Plan surfaces this so operators see reversibility before approving.
type RollbackPreview struct {
	Available    bool   `json:"available"`
	Rule         string `json:"rule,omitempty"`
	Method       string `json:"method,omitempty"`
	PathTemplate string `json:"pathTemplate,omitempty"`
	RequiresID   bool   `json:"requiresId,omitempty"`
}

// Preview reports the registry-derived rollback shape for an intent without
// executing anything.
func (d *HTTPPost) Preview(ctx context.Context, it journal.Intent) RollbackPreview {
	prepared, err := d.Prepare(ctx, it)
	if err != nil {
		return RollbackPreview{}
	}
	p := prepared.(*httpPostPrepared)
	if p.match == nil {
		return RollbackPreview{}
	}
	return RollbackPreview{
		Available:    true,
		Rule:         p.match.Rule.Name,
		Method:       p.match.Rule.Rollback.Method,
		PathTemplate: p.match.Rule.Rollback.PathTemplate,
		RequiresID:   p.match.RequiresID(),
	}
}

// Commit issues the POST, hashes the response and derives rollback metadata.
func (d *HTTPPost) Commit(ctx context.Context, it journal.Intent, prepared journal.Prepared) (journal.Receipt, error) {
	p, ok := prepared.(*httpPostPrepared)
	if !ok {
		return nil, gateerr.New(gateerr.CodeCommitFailed, "http post got foreign prepared state")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url.String(), strings.NewReader(p.body))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeCommitFailed, err, "build http post")
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, gateerr.Wrap(gateerr.CodeTimedOut, err, "http post %s", p.url)
		}
		if ctx.Err() != nil {
			return nil, gateerr.Wrap(gateerr.CodeCancelled, err, "http post %s", p.url)
		}
		return nil, gateerr.Wrap(gateerr.CodeHTTPError, err, "http post %s", p.url)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeHTTPError, err, "read response of %s", p.url)
	}
	if resp.StatusCode >= 400 {
		return nil, gateerr.New(gateerr.CodeHTTPError, "http post %s returned %d", p.url, resp.StatusCode)
	}

	receipt := journal.Receipt{
		"status":         resp.StatusCode,
		"idempotencyKey": p.headers[headerKey(p.headers, idempotencyHeader)],
		"responseHash":   canonicalize.HashBytes(respBody),
		"url":            p.url.String(),
	}
	if metadata := deriveRollbackMetadata(p, resp.Header, respBody); metadata != nil {
		receipt["metadata"] = metadata
	}
	return receipt, nil
}

// deriveRollbackMetadata picks the compensating-request source in priority
// order: registry rule, Location header, JSON id, JSON rollback pair. A
// matched rule that cannot resolve its id yields no metadata at all — the
// intent is manual from then on.
func deriveRollbackMetadata(p *httpPostPrepared, respHeaders http.Header, respBody []byte) map[string]any {
	if p.match != nil {
		res, ok := p.match.Resolve(respHeaders, respBody)
		if !ok {
			return nil
		}
		return map[string]any{
			"rollbackRule": map[string]any{
				"name":   res.Rule,
				"method": res.Method,
				"path":   res.Path,
				"id":     res.ID,
			},
		}
	}
	if loc := respHeaders.Get("Location"); loc != "" {
		return map[string]any{"location": loc}
	}
	var doc map[string]any
	if err := json.Unmarshal(respBody, &doc); err == nil {
		if id, ok := doc["id"]; ok {
			if s := scalarToString(id); s != "" {
				return map[string]any{"id": s}
			}
		}
		if rb, ok := doc["rollback"].(map[string]any); ok {
			method, _ := rb["method"].(string)
			path, _ := rb["path"].(string)
			if method != "" && path != "" {
				return map[string]any{"rollbackMethod": method, "rollbackPath": path}
			}
		}
	}
	return nil
}

// Rollback is the in-flight compensator used when commit itself failed:
// nothing external is known to have happened, so there is nothing to undo.
func (d *HTTPPost) Rollback(ctx context.Context, it journal.Intent, prepared journal.Prepared) error {
	return nil
}

// RollbackReceipt issues the compensating request recorded in the receipt's
// rollback metadata.
func (d *HTTPPost) RollbackReceipt(ctx context.Context, it journal.Intent, receipt journal.Receipt) error {
	rawURL, _ := receipt["url"].(string)
	if rawURL == "" {
		rawURL, _ = it.Payload["url"].(string)
	}
	base, err := url.Parse(rawURL)
	if err != nil || base.Host == "" {
		return gateerr.New(gateerr.CodeRollbackFailed, "http rollback has no usable base url")
	}

	metadata, _ := receipt["metadata"].(map[string]any)
	method, target, err := compensatingRequest(base, metadata)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeRollbackFailed, err, "build compensating request")
	}
	origKey, _ := receipt["idempotencyKey"].(string)
	if origKey == "" {
		origKey = it.IdempotencyKey
	}
	req.Header.Set(idempotencyHeader, origKey+"-rollback")

	resp, err := d.client.Do(req)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeRollbackFailed, err, "%s %s", method, target)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return gateerr.New(gateerr.CodeRollbackFailed, "%s %s returned %d", method, target, resp.StatusCode)
	}
	return nil
}

func compensatingRequest(base *url.URL, metadata map[string]any) (string, string, error) {
	if metadata == nil {
		return "", "", gateerr.New(gateerr.CodeNonReversible, "no rollback metadata recorded")
	}
	root := &url.URL{Scheme: base.Scheme, Host: base.Host}

	if rule, ok := metadata["rollbackRule"].(map[string]any); ok {
		method, _ := rule["method"].(string)
		path, _ := rule["path"].(string)
		if method == "" || path == "" {
			return "", "", gateerr.New(gateerr.CodeNonReversible, "rollback rule metadata is incomplete")
		}
		return method, root.JoinPath(path).String(), nil
	}
	if loc, ok := metadata["location"].(string); ok && loc != "" {
		if parsed, err := url.Parse(loc); err == nil && parsed.Host != "" {
			return http.MethodDelete, parsed.String(), nil
		}
		return http.MethodDelete, root.JoinPath(loc).String(), nil
	}
	if id, ok := metadata["id"].(string); ok && id != "" {
		return http.MethodDelete, base.JoinPath(id).String(), nil
	}
	method, _ := metadata["rollbackMethod"].(string)
	path, _ := metadata["rollbackPath"].(string)
	if method != "" && path != "" {
		return method, root.JoinPath(path).String(), nil
	}
	return "", "", gateerr.New(gateerr.CodeNonReversible, "no rollback metadata recorded")
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func headerKey(headers map[string]string, name string) string {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

func scalarToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	default:
		return ""
	}
}
