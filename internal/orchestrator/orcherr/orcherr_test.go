package orcherr_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/orcherr"
)

func TestKindConstructors_WrapCauseAndFormatMessage(t *testing.T) {
	cause := errors.New("boom")
	err := orcherr.RunnerSpawn("failed to start runner", cause)

	require.EqualError(t, err, "failed to start runner: boom")
	require.ErrorIs(t, err, cause)

	kind, ok := orcherr.Of(err)
	require.True(t, ok)
	require.Equal(t, orcherr.KindRunnerSpawn, kind)
}

func TestErrorIs_MatchesByKindIgnoringMessage(t *testing.T) {
	a := orcherr.SessionMissing("session not found for stop", nil)
	b := orcherr.SessionMissing("a completely different message", errors.New("other cause"))

	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, orcherr.Routing("unrelated", nil)))
}

func TestOf_FalseForPlainError(t *testing.T) {
	_, ok := orcherr.Of(errors.New("plain"))
	require.False(t, ok)
}

func TestSanitize_StripsHomeDirAPIKeysStackTracesAndTruncates(t *testing.T) {
	msg := "failed at /home/alice/project/main.go\n" +
		"goroutine 1 [running]:\n" +
		"main.main()\n" +
		"\t/home/alice/project/main.go:42 +0x1a\n" +
		"token sk_live_ABCDEF0123456789ZZZZ leaked"

	out := orcherr.Sanitize(msg, "/home/alice")

	require.NotContains(t, out, "/home/alice")
	require.Contains(t, out, "~")
	require.NotContains(t, out, "goroutine 1")
	require.Contains(t, out, "[REDACTED]")
	require.NotContains(t, out, "sk_live_ABCDEF0123456789ZZZZ")
}

func TestSanitize_LeavesOrdinaryWordsAlone(t *testing.T) {
	out := orcherr.Sanitize("a perfectly ordinary lowercase sentence about nothing special at all", "")
	require.Contains(t, out, "ordinary lowercase sentence")
	require.NotContains(t, out, "[REDACTED]")
}

func TestSanitize_TruncatesTo1000Characters(t *testing.T) {
	out := orcherr.Sanitize(strings.Repeat("a", 2000), "")
	require.Len(t, out, 1000)
}
