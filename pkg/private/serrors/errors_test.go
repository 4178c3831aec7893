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

package serrors_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vrflow/vrflow/pkg/private/serrors"
)

type testErrType struct {
	msg string
}

func (e *testErrType) Error() string {
	return e.msg
}

type timeoutErr struct {
	timeout bool
	cause   error
}

func (e *timeoutErr) Error() string { return "timeout err" }
func (e *timeoutErr) Timeout() bool { return e.timeout }
func (e *timeoutErr) Unwrap() error { return e.cause }

func TestIsTimeout(t *testing.T) {
	assert.False(t, serrors.IsTimeout(serrors.New("no timeout")))
	assert.True(t, serrors.IsTimeout(serrors.Wrap("timeout", &timeoutErr{timeout: true})))
	notTimeout := serrors.Wrap("notimeout", &timeoutErr{
		cause: &timeoutErr{timeout: true},
	})
	assert.False(t, serrors.IsTimeout(notTimeout))
}

func TestWrap(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		err := serrors.New("simple err")
		wrapped := serrors.Wrap("msg", err, "someCtx", "someValue")
		assert.ErrorIs(t, wrapped, err)
		assert.ErrorIs(t, wrapped, wrapped)
	})
	t.Run("As", func(t *testing.T) {
		err := &testErrType{msg: "test err"}
		wrapped := serrors.WrapNoStack("msg", err, "someCtx", "someValue")
		var errAs *testErrType
		require.True(t, errors.As(wrapped, &errAs))
		assert.Equal(t, err, errAs)
	})
}

func TestJoinNoStack(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		sentinel := errors.New("sentinel")
		cause := serrors.New("cause")
		joined := serrors.JoinNoStack(sentinel, cause, "k", 1)
		assert.ErrorIs(t, joined, sentinel)
		assert.ErrorIs(t, joined, cause)
	})
	t.Run("nil cause", func(t *testing.T) {
		sentinel := errors.New("sentinel")
		joined := serrors.JoinNoStack(sentinel, nil, "index", 7)
		assert.ErrorIs(t, joined, sentinel)
		assert.Equal(t, "sentinel {index=7}", joined.Error())
	})
	t.Run("both nil", func(t *testing.T) {
		assert.Nil(t, serrors.JoinNoStack(nil, nil))
		assert.Nil(t, serrors.Join(nil, nil))
	})
}

func TestNewDistinct(t *testing.T) {
	err1 := serrors.New("err msg", "someCtx", "value")
	err2 := serrors.New("err msg", "someCtx", "value")
	assert.ErrorIs(t, err1, err1)
	assert.False(t, errors.Is(err1, err2))
}

func TestContextSorted(t *testing.T) {
	err := serrors.New("msg", "zeta", 1, "alpha", 2)
	assert.Equal(t, "msg {alpha=2; zeta=1}", err.Error())
}

func TestList(t *testing.T) {
	var list serrors.List
	assert.Nil(t, list.ToError())
	list = serrors.List{serrors.New("err1"), serrors.New("err2")}
	assert.EqualError(t, list.ToError(), "[ err1; err2 ]")
}

func TestAtMostOneStacktrace(t *testing.T) {
	err := errors.New("core")
	for i := range [20]int{} {
		err = serrors.Wrap("wrap", err, "level", i)
	}

	var b bytes.Buffer
	logger := zap.New(
		zapcore.NewCore(
			zapcore.NewJSONEncoder(zapcore.EncoderConfig{
				MessageKey:  "msg",
				LevelKey:    "level",
				EncodeLevel: zapcore.LowercaseLevelEncoder,
			}),
			zapcore.AddSync(&b),
			zapcore.DebugLevel),
	)
	logger.Sugar().Infow("Failed to do thing", "err", err)

	require.Equal(t, 1, bytes.Count(b.Bytes(), []byte("stacktrace")))
}

func TestStackOnlyOnInnermost(t *testing.T) {
	type tracer interface{ StackTrace() serrors.StackTrace }
	sentinel := errors.New("sentinel")

	inner := serrors.Wrap("inner", errors.New("core"))
	require.NotNil(t, inner.(tracer).StackTrace())

	testCases := map[string]error{
		"wrap over no-stack wrap": serrors.Wrap("outer",
			serrors.WrapNoStack("middle", inner)),
		"join over no-stack join": serrors.Join(sentinel,
			serrors.JoinNoStack(sentinel, inner)),
		"wrap over plain wrapping": serrors.Wrap("outer",
			fmt.Errorf("middle: %w", serrors.WrapNoStack("no stack", inner))),
	}
	for name, err := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, err.(tracer).StackTrace())
			assert.ErrorIs(t, err, inner)
		})
	}
}

func ExampleJoin() {
	var cause = fmt.Errorf("sd0 unresponsive: %w", io.ErrNoProgress)
	var ErrDB = errors.New("db")
	wrapped := serrors.Join(ErrDB, cause, "ctx", 1)

	fmt.Println(errors.Is(wrapped, io.ErrNoProgress))
	fmt.Println(errors.Is(wrapped, ErrDB))
	fmt.Printf("\n%v", wrapped)
	// Output:
	// true
	// true
	//
	// db {ctx=1}: sd0 unresponsive: multiple Read calls return no data or error
}

func ExampleWrapNoStack() {
	var ErrBadL4 = errors.New("unsupported L4 protocol")
	addedCtx := serrors.WrapNoStack("parsing packet", ErrBadL4, "proto", 132)

	fmt.Println(addedCtx)
	// Output:
	// parsing packet {proto=132}: unsupported L4 protocol
}
