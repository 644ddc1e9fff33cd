// Package policy evaluates structured gate rules — network allowlists,
// amount caps, approval labels, and time windows — over a bundle's intents
// and recorded network traffic. Evaluation is pure: same inputs, same
// outputs, no side effects.
package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/intent"
	"github.com/deterministic-agent-lab/tracegate/pkg/rollback"
)

// Evaluation stages.
const (
	StagePlan   = "plan"
	StageCommit = "commit"
)

// AllowRule whitelists network traffic by domain, method, and path pattern.
type AllowRule struct {
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Paths   []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// Caps bounds numeric intent fields.
type Caps struct {
	MaxAmount *float64 `yaml:"maxAmount,omitempty" json:"maxAmount,omitempty"`
}

// TimeWindow restricts unattended commits to a daily window.
type TimeWindow struct {
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

// Config is the full policy document.
type Config struct {
	Version               string      `yaml:"version" json:"version"`
	Allow                 []AllowRule `yaml:"allow,omitempty" json:"allow,omitempty"`
	Caps                  Caps        `yaml:"caps,omitempty" json:"caps,omitempty"`
	RequireApprovalLabels []string    `yaml:"requireApprovalLabels,omitempty" json:"requireApprovalLabels,omitempty"`
	TimeWindow            *TimeWindow `yaml:"timeWindow,omitempty" json:"timeWindow,omitempty"`
}

// Context carries the evaluation stage and clock reading.
type Context struct {
	Stage string
	Now   time.Time
}

// NetworkEntry is one recorded network exchange under evaluation.
type NetworkEntry struct {
	Method string
	URL    string
}

// IntentDecision is the per-intent outcome.
type IntentDecision struct {
	Index            int      `json:"index"`
	Type             string   `json:"type"`
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requiresApproval"`
	Reasons          []string `json:"reasons,omitempty"`
	ApprovalReasons  []string `json:"approvalReasons,omitempty"`
}

// NetworkDecision is the per-network-entry outcome.
type NetworkDecision struct {
	URL     string   `json:"url"`
	Method  string   `json:"method"`
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// BundleDecision is the rolled-up outcome.
type BundleDecision struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requiresApproval"`
	Reasons          []string `json:"reasons,omitempty"`
}

// Evaluation is the complete result of one policy pass.
type Evaluation struct {
	Bundle  BundleDecision    `json:"bundle"`
	Intents []IntentDecision  `json:"intents"`
	Network []NetworkDecision `json:"network"`
}

// Evaluate classifies intents and network traffic against the policy.
func (c *Config) Evaluate(ctx Context, intents []intent.Record, network []NetworkEntry) Evaluation {
	eval := Evaluation{
		Intents: make([]IntentDecision, 0, len(intents)),
		Network: make([]NetworkDecision, 0, len(network)),
	}

	windowOutside, windowReason := c.outsideTimeWindow(ctx.Now)

	var bundleReasons []string
	for i := range intents {
		d := c.evaluateIntent(&intents[i])
		if windowOutside {
			d.RequiresApproval = true
			d.ApprovalReasons = append(d.ApprovalReasons, windowReason)
		}
		if !d.Allowed {
			bundleReasons = append(bundleReasons, d.Reasons...)
		}
		if d.RequiresApproval {
			eval.Bundle.RequiresApproval = true
		}
		eval.Intents = append(eval.Intents, d)
	}

	for _, entry := range network {
		d := c.evaluateNetwork(entry)
		if !d.Allowed {
			bundleReasons = append(bundleReasons, d.Reasons...)
		}
		eval.Network = append(eval.Network, d)
	}

	eval.Bundle.Allowed = len(bundleReasons) == 0
	eval.Bundle.Reasons = gateerr.SortedUnique(bundleReasons)
	return eval
}

func (c *Config) evaluateIntent(rec *intent.Record) IntentDecision {
	d := IntentDecision{Index: rec.Index, Type: rec.Type, Allowed: true}

	if c.Caps.MaxAmount != nil {
		if amount, ok := numericField(rec.Payload, "amount"); ok && amount > *c.Caps.MaxAmount {
			d.Allowed = false
			d.Reasons = append(d.Reasons, fmt.Sprintf(
				"intent %d amount %s exceeds cap %s",
				rec.Index, formatAmount(amount), formatAmount(*c.Caps.MaxAmount)))
		}
	}

	if len(c.RequireApprovalLabels) > 0 {
		required := make(map[string]struct{}, len(c.RequireApprovalLabels))
		for _, l := range c.RequireApprovalLabels {
			required[l] = struct{}{}
		}
		for _, label := range rec.Labels() {
			if _, ok := required[label]; ok {
				d.RequiresApproval = true
				d.ApprovalReasons = append(d.ApprovalReasons,
					fmt.Sprintf("label %s requires approval", label))
			}
		}
	}

	d.Reasons = gateerr.SortedUnique(d.Reasons)
	d.ApprovalReasons = gateerr.SortedUnique(d.ApprovalReasons)
	return d
}

func (c *Config) evaluateNetwork(entry NetworkEntry) NetworkDecision {
	d := NetworkDecision{URL: entry.URL, Method: entry.Method, Allowed: true}
	if len(c.Allow) == 0 {
		return d
	}

	parsed, err := url.Parse(entry.URL)
	if err != nil {
		d.Allowed = false
		d.Reasons = []string{fmt.Sprintf("network entry has unparseable url %s", entry.URL)}
		return d
	}

	for _, rule := range c.Allow {
		if rule.matches(parsed.Hostname(), entry.Method, parsed.Path) {
			return d
		}
	}
	d.Allowed = false
	d.Reasons = []string{fmt.Sprintf("%s %s not allowed by policy", entry.Method, entry.URL)}
	return d
}

func (r AllowRule) matches(host, method, path string) bool {
	if len(r.Domains) > 0 {
		ok := false
		for _, domain := range r.Domains {
			if strings.EqualFold(domain, host) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Paths) > 0 {
		ok := false
		for _, p := range r.Paths {
			if rollback.WildcardMatch(p, path) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// outsideTimeWindow reports whether now falls outside the configured daily
// window. The window is inclusive on both ends, in minutes of day.
func (c *Config) outsideTimeWindow(now time.Time) (bool, string) {
	if c.TimeWindow == nil {
		return false, ""
	}
	loc, err := time.LoadLocation(c.TimeWindow.Timezone)
	if err != nil {
		return true, fmt.Sprintf("time window timezone %s is invalid", c.TimeWindow.Timezone)
	}
	start, err1 := minutesOfDay(c.TimeWindow.Start)
	end, err2 := minutesOfDay(c.TimeWindow.End)
	if err1 != nil || err2 != nil {
		return true, "time window bounds are invalid"
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if minutes < start || minutes > end {
		return true, fmt.Sprintf("time %s is outside window %s-%s %s",
			local.Format("15:04"), c.TimeWindow.Start, c.TimeWindow.End, c.TimeWindow.Timezone)
	}
	return false, ""
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func numericField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func formatAmount(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
