// Package failure defines the typed error kinds shared by the ledger, the
// reconciliation subsystem and the creation saga. Errors are classified once at
// the point they are produced; downstream code inspects the Kind instead of the
// message text.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind enumerates the error categories understood by the subsystem.
type Kind string

const (
	// KindChainUnavailable covers RPC timeouts and unreachable nodes. Callers
	// treat it as non-existence, never as existence.
	KindChainUnavailable Kind = "chain_unavailable"
	// KindNotFound means the ledger confirmed the entry is absent.
	KindNotFound Kind = "not_found"
	// KindUserRejected marks a wallet prompt the user declined. Never retried.
	KindUserRejected Kind = "user_rejected"
	// KindTransient covers network, gas and nonce hiccups that may succeed on retry.
	KindTransient Kind = "transient"
	// KindInsufficientFunds is returned when the signer cannot cover the total.
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindInvalidState covers contract state mismatches (wrong reward status,
	// creator mismatch). Not retryable; the flow must be recreated.
	KindInvalidState Kind = "invalid_state"
	// KindValidation marks malformed caller input.
	KindValidation Kind = "validation"
	// KindCompensated means a partial success was rolled back by a refund.
	KindCompensated Kind = "compensated"
	// KindManualRecovery means compensation itself failed.
	KindManualRecovery Kind = "manual_recovery"
	// KindInternal is the catch-all.
	KindInternal Kind = "internal"
)

// MaxExcerptLength caps the amount of raw error text surfaced to users.
const MaxExcerptLength = 120

// Error is the typed error carried through the subsystem.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	// Ref is an identifier the user must quote to support. It is surfaced
	// uncapped, separately from Detail.
	Ref    string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New wraps err with the supplied kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error without an underlying cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err. Untyped errors report KindInternal and nil
// reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// Is reports whether err carries the supplied kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an automatic retry may succeed. User rejections,
// invalid state and validation failures are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindChainUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// Excerpt returns at most MaxExcerptLength runes of the error text.
func Excerpt(err error) string {
	if err == nil {
		return ""
	}
	return capRunes(err.Error())
}

func capRunes(text string) string {
	msg := strings.TrimSpace(text)
	if utf8.RuneCountInString(msg) <= MaxExcerptLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxExcerptLength]) + "…"
}
