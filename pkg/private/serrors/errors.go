// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serrors provides errors carrying key/value context. Errors built
// here log nicely through zap and support errors.Is and errors.As: a wrapping
// error is its cause, and a joined error is both its base and its cause.
//
// Hot paths should keep sentinels as plain errors.New values and attach
// context with JoinNoStack; only the constructors without the NoStack suffix
// capture a stack trace.
package serrors

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxPair struct {
	Key   string
	Value any
}

// info is the part shared by the two error implementations.
type info struct {
	ctx   []ctxPair
	cause error
	stack *stack
}

func (e *info) suffix(b *strings.Builder) {
	if len(e.ctx) != 0 {
		b.WriteString(" {")
		for i, p := range e.ctx {
			if i != 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(b, "%s=%v", p.Key, p.Value)
		}
		b.WriteString("}")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
}

func (e *info) marshal(enc zapcore.ObjectEncoder) error {
	if e.cause != nil {
		if m, ok := e.cause.(zapcore.ObjectMarshaler); ok {
			if err := enc.AddObject("cause", m); err != nil {
				return err
			}
		} else {
			enc.AddString("cause", e.cause.Error())
		}
	}
	if e.stack != nil {
		if err := enc.AddArray("stacktrace", e.stack); err != nil {
			return err
		}
	}
	for _, p := range e.ctx {
		zap.Any(p.Key, p.Value).AddTo(enc)
	}
	return nil
}

// StackTrace returns the attached stack trace, if any.
func (e *info) StackTrace() StackTrace {
	if e.stack == nil {
		return nil
	}
	return e.stack.StackTrace()
}

func newInfo(cause error, withStack bool, errCtx []any) info {
	pairs := make([]ctxPair, 0, len(errCtx)/2)
	for i := 0; i+1 < len(errCtx); i += 2 {
		pairs = append(pairs, ctxPair{Key: fmt.Sprint(errCtx[i]), Value: errCtx[i+1]})
	}
	slices.SortFunc(pairs, func(a, b ctxPair) int { return strings.Compare(a.Key, b.Key) })
	r := info{ctx: pairs, cause: cause}
	if withStack && !hasStack(cause) {
		r.stack = callers()
	}
	return r
}

// hasStack reports whether one of the serrors types somewhere in the chain of
// cause already carries a stack trace. At most one trace is kept per chain.
func hasStack(cause error) bool {
	switch e := cause.(type) {
	case nil:
		return false
	case *basicError:
		if e.stack != nil {
			return true
		}
	case *joinedError:
		if e.stack != nil {
			return true
		}
	}
	switch u := cause.(type) {
	case interface{ Unwrap() error }:
		return hasStack(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, err := range u.Unwrap() {
			if hasStack(err) {
				return true
			}
		}
	}
	return false
}

// IsTimeout returns whether err is or is caused by a timeout error.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// basicError is an error with a string message, context and an optional cause.
type basicError struct {
	info
	msg string
}

func (e *basicError) Error() string {
	var b strings.Builder
	b.WriteString(e.msg)
	e.suffix(&b)
	return b.String()
}

func (e *basicError) Unwrap() error {
	return e.cause
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e *basicError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("msg", e.msg)
	return e.marshal(enc)
}

// New creates an error with the given message and context, plus a stack dump.
// Sentinel errors should use errors.New instead.
func New(msg string, errCtx ...any) error {
	return &basicError{info: newInfo(nil, true, errCtx), msg: msg}
}

// Wrap returns an error with the given message that wraps cause and carries
// the given context. A stack dump is added unless the cause already has one.
func Wrap(msg string, cause error, errCtx ...any) error {
	return &basicError{info: newInfo(cause, true, errCtx), msg: msg}
}

// WrapNoStack is like Wrap but never captures a stack dump.
func WrapNoStack(msg string, cause error, errCtx ...any) error {
	return &basicError{info: newInfo(cause, false, errCtx), msg: msg}
}

// joinedError annotates a base error, typically a sentinel, with a cause and
// context.
type joinedError struct {
	info
	base error
}

func (e *joinedError) Error() string {
	var b strings.Builder
	b.WriteString(e.base.Error())
	e.suffix(&b)
	return b.String()
}

func (e *joinedError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.base}
	}
	return []error{e.base, e.cause}
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e *joinedError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("msg", e.base.Error())
	return e.marshal(enc)
}

// Join returns an error that is both err and cause (unless nil) and carries
// the given context. A stack dump is added unless the cause already has one.
func Join(err, cause error, errCtx ...any) error {
	if err == nil && cause == nil {
		return nil
	}
	if err == nil {
		err = cause
		cause = nil
	}
	return &joinedError{info: newInfo(cause, true, errCtx), base: err}
}

// JoinNoStack is like Join but never captures a stack dump. This is the
// variant to use on packet processing paths.
func JoinNoStack(err, cause error, errCtx ...any) error {
	if err == nil && cause == nil {
		return nil
	}
	if err == nil {
		err = cause
		cause = nil
	}
	return &joinedError{info: newInfo(cause, false, errCtx), base: err}
}

// List is a slice of errors.
type List []error

// Error implements the error interface.
func (e List) Error() string {
	s := make([]string, 0, len(e))
	for _, err := range e {
		s = append(s, err.Error())
	}
	return fmt.Sprintf("[ %s ]", strings.Join(s, "; "))
}

// ToError returns nil for an empty list and the list otherwise.
func (e List) ToError() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// MarshalLogArray implements zapcore.ArrayMarshaler.
func (e List) MarshalLogArray(ae zapcore.ArrayEncoder) error {
	for _, err := range e {
		if m, ok := err.(zapcore.ObjectMarshaler); ok {
			if err := ae.AppendObject(m); err != nil {
				return err
			}
			continue
		}
		ae.AppendString(err.Error())
	}
	return nil
}
