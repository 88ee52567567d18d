// Package apperr carries an explicit error kind alongside the usual wrapped
// cause, so callers dispatch on Kind instead of on concrete error types.
package apperr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindProviderTransient
	KindProviderPermanent
	KindConsistency
	KindConfiguration
	// KindConflict is an optimistic-concurrency miss; callers reload and retry.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindProviderTransient:
		return "provider_transient"
	case KindProviderPermanent:
		return "provider_permanent"
	case KindConsistency:
		return "consistency"
	case KindConfiguration:
		return "configuration"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Retryable reports whether the job queue should reschedule work that failed
// with this kind.
func (k Kind) Retryable() bool {
	return k == KindProviderTransient || k == KindUnknown
}

type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Fields map[string]any
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. Fields are given as alternating key/value pairs, the
// same shape slog uses.
func E(kind Kind, op, msg string, kv ...any) *Error {
	e := &Error{Kind: kind, Op: op, Msg: msg}
	if len(kv) > 0 {
		e.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Fields[fmt.Sprint(kv[i])] = kv[i+1]
		}
	}
	return e
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFound(op, what string, kv ...any) *Error {
	return E(KindNotFound, op, what+" not found", kv...)
}

func AlreadyExists(op, what string, kv ...any) *Error {
	return E(KindAlreadyExists, op, what+" already exists", kv...)
}

func Configuration(msg string, kv ...any) *Error {
	return E(KindConfiguration, "config", msg, kv...)
}
