// Package gateerr defines the machine-readable error codes surfaced by the
// transaction gate. Every failure that crosses a package boundary carries a
// Code so CLI exit codes and API bodies stay stable.
package gateerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies a failure class.
type Code string

const (
	// Validation
	CodeBundleInvalid     Code = "BUNDLE_INVALID"
	CodeSchemaViolation   Code = "SCHEMA_VIOLATION"
	CodeManifestMissing   Code = "MANIFEST_MISSING"
	CodeManifestMalformed Code = "MANIFEST_MALFORMED"
	CodeComponentMissing  Code = "COMPONENT_MISSING"
	CodeKindMismatch      Code = "KIND_MISMATCH"
	CodeHashMismatch      Code = "HASH_MISMATCH"
	CodeDuplicateIntentID Code = "DUPLICATE_INTENT_ID"

	// Policy
	CodePolicyDenied     Code = "POLICY_DENIED"
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"

	// Journal
	CodeJournalParse Code = "JOURNAL_PARSE_ERROR"
	CodeJournalIO    Code = "JOURNAL_IO_ERROR"

	// Drivers
	CodeDriverUnregistered Code = "DRIVER_UNREGISTERED"
	CodePrepareFailed      Code = "PREPARE_FAILED"
	CodeCommitFailed       Code = "COMMIT_FAILED"
	CodeRollbackFailed     Code = "ROLLBACK_FAILED"
	CodeNonReversible      Code = "NON_REVERSIBLE"
	CodePathInvalid        Code = "PATH_INVALID"
	CodeNotAFile           Code = "NOT_A_FILE"
	CodeIoError            Code = "IO_ERROR"

	// Replay
	CodeReplayDiff        Code = "REPLAY_DIFF"
	CodeReplayExitNonZero Code = "REPLAY_EXIT_NONZERO"

	// IO / Net
	CodeHTTPError   Code = "HTTP_ERROR"
	CodeTimedOut    Code = "TIMED_OUT"
	CodeCancelled   Code = "CANCELLED"
	CodeRateLimited Code = "RATE_LIMITED"

	// Lookup
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a coded error with an optional sorted reason list.
type Error struct {
	Code    Code
	Message string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Reasons) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so callers can compare against sentinel instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithReasons attaches a deduplicated, sorted reason list.
func (e *Error) WithReasons(reasons []string) *Error {
	e.Reasons = SortedUnique(reasons)
	return e
}

// CodeOf extracts the Code from err, or empty when err is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonsOf extracts the reason list from err, if any.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reasons
	}
	return nil
}

// SortedUnique sorts and deduplicates a reason list in place.
func SortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
