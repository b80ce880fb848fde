// Package supervise wraps every unit of concurrent work in a recovery
// boundary and enforces the run-level failure ceiling. Recovery policy lives
// here rather than being scattered across workers: a crashed job is marked
// failed and its worker slot keeps taking jobs, until cumulative failures
// exceed the ceiling and the whole run is aborted.
package supervise

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// State is the supervisor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrAborted is returned when work is refused because the failure ceiling
// was exceeded.
var ErrAborted = eris.New("supervisor: run aborted, failure ceiling exceeded")

// Sink receives failure events as they are captured. Implementations must be
// safe for concurrent use.
type Sink interface {
	Emit(ev model.FailureEvent)
}

// Config controls supervisor behavior.
type Config struct {
	// FailureCeiling is the number of failures tolerated before the run is
	// aborted. A run aborts when the cumulative counter exceeds this value.
	// Default: 5.
	FailureCeiling int

	// StackFramePrefix filters stack summaries to frames containing this
	// substring (typically the module path). Empty keeps the first frames.
	StackFramePrefix string

	// Sink receives every captured FailureEvent. Optional; events are always
	// retained internally and logged.
	Sink Sink

	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)
}

// Supervisor is the per-run failure containment boundary.
type Supervisor struct {
	cfg      Config
	failures atomic.Uint32

	mu     sync.Mutex
	state  State
	events []model.FailureEvent
	cancel context.CancelFunc

	nowFunc func() time.Time
}

// New creates a supervisor in the Idle state.
func New(cfg Config) *Supervisor {
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = 5
	}
	return &Supervisor{
		cfg:     cfg,
		state:   StateIdle,
		nowFunc: time.Now,
	}
}

// Start transitions Idle → Running and returns a context derived from ctx
// that is cancelled when the run aborts.
func (s *Supervisor) Start(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.state == StateIdle {
		s.transition(StateRunning)
	}
	return runCtx
}

// Complete transitions Running → Completed. A run that already aborted stays
// aborted.
func (s *Supervisor) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.transition(StateCompleted)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Aborted reports whether the failure ceiling was exceeded.
func (s *Supervisor) Aborted() bool { return s.State() == StateAborted }

// Failures returns the cumulative failure count for the run.
func (s *Supervisor) Failures() uint32 { return s.failures.Load() }

// Events returns a snapshot of the captured failure events.
func (s *Supervisor) Events() []model.FailureEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FailureEvent, len(s.events))
	copy(out, s.events)
	return out
}

// RunGuarded executes fn inside a recovery boundary. A panic is captured as
// a FailureEvent and converted into the returned event; fn's ordinary error
// return passes through untouched. If the supervisor has already aborted,
// fn is not run and ErrAborted is returned.
func (s *Supervisor) RunGuarded(component, jobID string, fn func() error) (failure *model.FailureEvent, err error) {
	if s.Aborted() {
		return nil, ErrAborted
	}

	defer func() {
		if r := recover(); r != nil {
			ev := s.capture(component, jobID, "", r)
			failure = &ev
			err = eris.Errorf("%s: job %s panicked: %v", component, jobID, r)
		}
	}()

	return nil, fn()
}

// Report records a non-panic failure (e.g. a systemic job error) against the
// ceiling. It returns the captured event.
func (s *Supervisor) Report(component, jobID string, jobErr error) model.FailureEvent {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return s.capture(component, jobID, msg, nil)
}

func (s *Supervisor) capture(component, jobID, errMsg string, panicVal any) model.FailureEvent {
	count := s.failures.Add(1)

	ev := model.FailureEvent{
		Component:   component,
		JobID:       jobID,
		Err:         errMsg,
		Seq:         count,
		GoroutineID: goroutineID(),
		At:          s.nowFunc(),
	}
	if panicVal != nil {
		ev.PanicValue = fmt.Sprintf("%v", panicVal)
		ev.StackSummary = s.stackSummary(debug.Stack())
	}

	s.record(ev)

	fields := []zap.Field{
		zap.String("component", component),
		zap.String("job_id", jobID),
		zap.Uint32("failure_count", count),
		zap.Uint64("goroutine_id", ev.GoroutineID),
	}
	if panicVal != nil {
		fields = append(fields,
			zap.String("panic", ev.PanicValue),
			zap.String("stack_summary", ev.StackSummary),
		)
		zap.L().Error("panic recovered", fields...)
	} else {
		fields = append(fields, zap.String("error", errMsg))
		zap.L().Error("job failure recorded", fields...)
	}

	if s.cfg.Sink != nil {
		s.cfg.Sink.Emit(ev)
	}

	if int(count) > s.cfg.FailureCeiling {
		s.abort()
	}
	return ev
}

func (s *Supervisor) record(ev model.FailureEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *Supervisor) abort() {
	s.mu.Lock()
	cancel := s.cancel
	if s.state == StateRunning || s.state == StateIdle {
		s.transition(StateAborted)
	}
	s.mu.Unlock()

	zap.L().Error("failure ceiling exceeded, aborting run",
		zap.Uint32("failures", s.failures.Load()),
		zap.Int("ceiling", s.cfg.FailureCeiling),
	)
	if cancel != nil {
		cancel()
	}
}

// transition must be called with mu held.
func (s *Supervisor) transition(to State) {
	from := s.state
	s.state = to
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// maxSummaryFrames caps how many matching lines a stack summary keeps.
const maxSummaryFrames = 8

// stackSummary condenses a stack trace to the frames that belong to this
// module, joined on one line for structured logging. The whole trace is
// scanned; only the collected frames are capped, so module frames buried
// under deep library stacks still surface.
func (s *Supervisor) stackSummary(stack []byte) string {
	var relevant []string
	for _, raw := range strings.Split(string(stack), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if s.cfg.StackFramePrefix == "" || strings.Contains(line, s.cfg.StackFramePrefix) {
			if idx := strings.LastIndex(line, "/"); idx >= 0 && strings.Contains(line, ".go:") {
				line = filepath.Base(line)
			}
			relevant = append(relevant, line)
		}
		if len(relevant) >= maxSummaryFrames {
			break
		}
	}
	return strings.Join(relevant, " <- ")
}

// goroutineID parses the goroutine id out of the runtime stack header.
func goroutineID() uint64 {
	b := make([]byte, 64)
	n := runtime.Stack(b, false)
	fields := strings.Fields(strings.TrimPrefix(string(b[:n]), "goroutine "))
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[0], 10, 64)
	return id
}
