// Package orcherr defines the orchestrator's error taxonomy (spec.md §7) and
// the sanitization rule applied to every error body posted to the tracker.
package orcherr

import (
	"errors"
	"regexp"
	"strings"
)

// Kind is one of the seven taxonomy values. Every error crossing a
// session-worker boundary is wrapped down to one of these with %w so callers
// can errors.Is/errors.As against it.
type Kind string

const (
	KindRouting        Kind = "routing_error"
	KindSessionMissing Kind = "session_missing"
	KindRunnerSpawn    Kind = "runner_spawn_error"
	KindRunnerRuntime  Kind = "runner_runtime_error"
	KindTrackerPost    Kind = "tracker_post_error"
	KindStopPending    Kind = "stop_pending"
	KindPersistence    Kind = "persistence_error"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, orcherr.Routing) etc. work against a sentinel built
// from the same Kind, ignoring message/cause.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

func newKind(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func Routing(msg string, cause error) error        { return newKind(KindRouting, msg, cause) }
func SessionMissing(msg string, cause error) error { return newKind(KindSessionMissing, msg, cause) }
func RunnerSpawn(msg string, cause error) error    { return newKind(KindRunnerSpawn, msg, cause) }
func RunnerRuntime(msg string, cause error) error  { return newKind(KindRunnerRuntime, msg, cause) }
func TrackerPost(msg string, cause error) error    { return newKind(KindTrackerPost, msg, cause) }
func StopPending(msg string, cause error) error    { return newKind(KindStopPending, msg, cause) }
func Persistence(msg string, cause error) error    { return newKind(KindPersistence, msg, cause) }

// Of returns the Kind of err if it (or something it wraps) is an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

const maxSanitizedLen = 1000

var (
	// apiKeyPattern matches long opaque tokens that look like API keys/secrets:
	// 20+ chars of base62/underscore/hyphen, optionally prefixed sk-/ghp_/etc.
	apiKeyPattern = regexp.MustCompile(`\b[A-Za-z0-9_-]{20,}\b`)
	// stackFramePattern matches a Go panic stack trace line ("\tfile.go:123 +0x...").
	stackFramePattern = regexp.MustCompile(`(?m)^\s*(goroutine \d+.*|.*\.go:\d+( \+0x[0-9a-f]+)?)\s*$`)
)

// Sanitize applies the four stripping rules from spec.md §7 to a message
// before it is posted as a tracker activity body:
//  1. strip absolute file paths (prefix up to the user's home),
//  2. strip long API-key-like tokens, replaced with [REDACTED],
//  3. strip stack traces,
//  4. truncate to 1000 characters.
func Sanitize(msg string, homeDir string) string {
	out := msg

	if homeDir != "" {
		out = strings.ReplaceAll(out, homeDir, "~")
	}

	out = stackFramePattern.ReplaceAllString(out, "")

	out = apiKeyPattern.ReplaceAllStringFunc(out, func(tok string) string {
		if looksLikeWord(tok) {
			return tok
		}
		return "[REDACTED]"
	})

	out = strings.TrimSpace(out)
	if len(out) > maxSanitizedLen {
		out = out[:maxSanitizedLen]
	}
	return out
}

// looksLikeWord excludes ordinary lowercase/alpha words (e.g. identifiers,
// sentence fragments) from the API-key redaction pass, which otherwise would
// flag any sufficiently long plain-English run-on.
func looksLikeWord(tok string) bool {
	hasDigit := false
	hasUpper := false
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			hasDigit = true
		}
		if r >= 'A' && r <= 'Z' {
			hasUpper = true
		}
	}
	return !hasDigit && !hasUpper
}
