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

// Package periodic runs background maintenance tasks, such as the fragment
// table scanner or the flow slot reclaimer, at a fixed period.
package periodic

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vrflow/vrflow/pkg/log"
)

// Events reported through Metrics.Events.
const (
	EventStop    = "stop"
	EventKill    = "kill"
	EventTrigger = "triggered"
)

// A Task that has to be periodically executed.
type Task interface {
	// Run executes the task once, it should return within the context's
	// timeout.
	Run(context.Context)
	// Name returns the task name, used for logging.
	Name() string
}

// Func implements Task for a plain function.
type Func struct {
	Task     func(context.Context)
	TaskName string
}

func (f Func) Run(ctx context.Context) { f.Task(ctx) }
func (f Func) Name() string            { return f.TaskName }

// Metrics of a Runner. Nil members are ignored.
type Metrics struct {
	Events    func(event string) prometheus.Counter
	Period    prometheus.Gauge
	Runtime   prometheus.Gauge
	StartTime prometheus.Gauge
}

func (m *Metrics) event(name string) {
	if m != nil && m.Events != nil {
		m.Events(name).Inc()
	}
}

// Runner runs a task periodically.
type Runner struct {
	task         Task
	ticker       *time.Ticker
	timeout      time.Duration
	stop         chan struct{}
	loopFinished chan struct{}
	ctx          context.Context
	cancelF      context.CancelFunc
	trigger      chan struct{}
	metrics      *Metrics
}

// Start creates and starts a new Runner to run the given task periodically.
// The timeout is used for the context timeout of the task. The timeout can be
// larger than the periodicity of the task. That means if a tasks takes a long
// time it will be immediately retriggered.
func Start(task Task, period, timeout time.Duration) *Runner {
	return StartWithMetrics(task, nil, period, timeout)
}

// StartWithMetrics is identical to Start but allows the caller to specify
// metrics.
func StartWithMetrics(task Task, metrics *Metrics, period, timeout time.Duration) *Runner {
	ctx, cancelF := context.WithCancel(context.Background())
	logger := log.New("task", task.Name())
	ctx = log.CtxWith(ctx, logger)
	r := &Runner{
		task:         task,
		ticker:       time.NewTicker(period),
		timeout:      timeout,
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		ctx:          ctx,
		cancelF:      cancelF,
		trigger:      make(chan struct{}),
		metrics:      metrics,
	}
	logger.Info("Starting periodic task", "period", period, "timeout", timeout)
	if metrics != nil && metrics.Period != nil {
		metrics.Period.Set(period.Seconds())
	}
	go func() {
		defer log.HandlePanic()
		r.runLoop()
	}()
	return r
}

// Stop stops the periodic execution of the Runner. If the task is currently
// running this method will block until it is done.
func (r *Runner) Stop() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	<-r.loopFinished
	r.metrics.event(EventStop)
}

// Kill is like Stop but it also cancels the context of the current running
// method.
func (r *Runner) Kill() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.cancelF()
	<-r.loopFinished
	r.metrics.event(EventKill)
}

// TriggerRun triggers the periodic task to run now. This does not impact the
// normal periodicity of this task. That means if the task runs every 5m and
// TriggerRun is called 4m after the last run, the next regular run is still 1m
// later. TriggerRun blocks until the task has been picked up.
func (r *Runner) TriggerRun() {
	select {
	case <-r.stop:
	case r.trigger <- struct{}{}:
		r.metrics.event(EventTrigger)
	}
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancelF()
	r.onTick()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
			r.onTick()
		case <-r.trigger:
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	select {
	// Make sure that stop case is evaluated first, so that when we kill and
	// an event is ready we still exit.
	case <-r.stop:
		return
	default:
	}
	ctx, cancelF := context.WithTimeout(r.ctx, r.timeout)
	start := time.Now()
	if r.metrics != nil && r.metrics.StartTime != nil {
		r.metrics.StartTime.Set(float64(start.UnixNano() / 1e9))
	}
	r.task.Run(ctx)
	if r.metrics != nil && r.metrics.Runtime != nil {
		r.metrics.Runtime.Set(time.Since(start).Seconds())
	}
	cancelF()
}
