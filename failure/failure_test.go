package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := New(KindUserRejected, "ledger.approve", errors.New("user denied"))
	wrapped := fmt.Errorf("creation: approve: %w", base)

	require.Equal(t, KindUserRejected, KindOf(wrapped))
	require.True(t, Is(wrapped, KindUserRejected))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
	require.Equal(t, Kind(""), KindOf(nil))
	require.False(t, Is(nil, KindInternal))
}

func TestErrorFormatting(t *testing.T) {
	err := New(KindTransient, "retry.execute", errors.New("timeout"))
	require.Equal(t, "retry.execute: transient: timeout", err.Error())
	require.Equal(t, "creation: manual_recovery: reward 9", Newf(KindManualRecovery, "creation", "reward %d", 9).Error())
	require.True(t, errors.Is(fmt.Errorf("x: %w", err), err.Err))
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		KindTransient:         true,
		KindChainUnavailable:  true,
		KindInternal:          true,
		KindUserRejected:      false,
		KindInvalidState:      false,
		KindValidation:        false,
		KindInsufficientFunds: false,
		KindCompensated:       false,
	}
	for kind, want := range cases {
		require.Equal(t, want, Retryable(New(kind, "op", errors.New("x"))), "kind %s", kind)
	}
	require.True(t, Retryable(errors.New("untyped")))
}

func TestExcerptCapsLength(t *testing.T) {
	long := strings.Repeat("é", MaxExcerptLength+40)
	got := Excerpt(errors.New(long))
	require.Equal(t, MaxExcerptLength+1, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "…"))
	require.Equal(t, "short", Excerpt(errors.New("  short ")))
	require.Empty(t, Excerpt(nil))
}

func TestUserMessageCategories(t *testing.T) {
	rejected := UserMessage(New(KindUserRejected, "op", errors.New("4001")))
	require.Equal(t, CategoryCancelled, rejected.Category)

	compensated := UserMessage(&Error{Kind: KindCompensated, Op: "creation", Detail: "reward 12 was refunded", Err: errors.New("association failed")})
	require.Equal(t, CategoryRecovered, compensated.Category)
	require.Contains(t, compensated.Action, "create the task again")
	require.NotContains(t, strings.ToLower(compensated.Action), "support")
	require.Equal(t, "reward 12 was refunded", compensated.Excerpt)

	manual := UserMessage(Newf(KindManualRecovery, "creation", "reward id 12"))
	require.Equal(t, CategorySupport, manual.Category)
	require.Contains(t, manual.Action, "support")

	unknown := UserMessage(errors.New("kaboom"))
	require.Equal(t, CategoryUnexpected, unknown.Category)
	require.Equal(t, "kaboom", unknown.Excerpt)

	require.Equal(t, Message{}, UserMessage(nil))
}

func TestUserMessageKeepsFullReference(t *testing.T) {
	huge := strings.Repeat("9", 78)
	err := &Error{
		Kind:   KindManualRecovery,
		Op:     "creation.compensate",
		Detail: "reward id " + huge + ": not linked to task " + huge + " and not refunded after 3 attempts",
		Ref:    huge,
		Err:    errors.New("replacement underpriced"),
	}
	msg := UserMessage(err)
	require.Equal(t, huge, msg.Reference)
	require.True(t, strings.HasPrefix(msg.Excerpt, "reward id "+huge))
	require.LessOrEqual(t, utf8.RuneCountInString(msg.Excerpt), MaxExcerptLength+1)

	require.Empty(t, UserMessage(New(KindTransient, "op", errors.New("busy"))).Reference)
}

func TestEveryKindHasMessage(t *testing.T) {
	for _, kind := range []Kind{KindChainUnavailable, KindNotFound, KindUserRejected, KindTransient, KindInsufficientFunds, KindInvalidState, KindValidation, KindCompensated, KindManualRecovery, KindInternal} {
		msg, ok := messages[kind]
		require.True(t, ok, "kind %s", kind)
		require.NotEmpty(t, msg.Title)
		require.NotEmpty(t, msg.Action)
	}
}
