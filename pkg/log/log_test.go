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

package log_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/log/testlog"
)

func TestSetup(t *testing.T) {
	testCases := map[string]struct {
		cfg       log.Config
		assertErr assert.ErrorAssertionFunc
	}{
		"defaults": {
			assertErr: assert.NoError,
		},
		"json debug": {
			cfg: log.Config{Console: log.ConsoleConfig{
				Level: "debug", Format: "json", StacktraceLevel: "error",
			}},
			assertErr: assert.NoError,
		},
		"bad level": {
			cfg:       log.Config{Console: log.ConsoleConfig{Level: "loud"}},
			assertErr: assert.Error,
		},
		"bad format": {
			cfg:       log.Config{Console: log.ConsoleConfig{Format: "xml"}},
			assertErr: assert.Error,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			tc.assertErr(t, log.Setup(tc.cfg))
		})
	}
}

func TestEntriesCounter(t *testing.T) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "entries"}, []string{"level"})
	counter := log.NewEntriesCounter(vec)
	require.NoError(t, log.Setup(log.Config{Console: log.ConsoleConfig{Level: "debug"}},
		log.WithEntriesCounter(counter)))
	defer func() {
		require.NoError(t, log.Setup(log.Config{}))
	}()

	log.Debug("debug entry")
	log.Info("info entry", "k", "v")
	log.Info("info entry")
	log.Error("error entry")

	assert.Equal(t, 1.0, testutil.ToFloat64(counter.Debug))
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.Info))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.Error))
}

func TestCtx(t *testing.T) {
	logger := testlog.NewLogger(t)
	ctx := log.CtxWith(context.Background(), logger)
	assert.Equal(t, logger, log.FromCtx(ctx))
	assert.NotNil(t, log.FromCtx(context.Background()))

	_, labeled := log.WithLabels(ctx, "worker", 3)
	assert.NotNil(t, labeled)
	labeled.Debug("labeled")
}
