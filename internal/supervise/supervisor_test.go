package supervise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/scholarmetrics/awardlink/internal/model"
)

func TestRunGuarded_PassesThroughSuccess(t *testing.T) {
	s := New(Config{FailureCeiling: 5})
	s.Start(context.Background())

	failure, err := s.RunGuarded("matcher", "job-1", func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failure != nil {
		t.Errorf("expected no failure event, got %+v", failure)
	}
	if got := s.Failures(); got != 0 {
		t.Errorf("expected 0 failures, got %d", got)
	}
}

func TestRunGuarded_RecoversPanic(t *testing.T) {
	s := New(Config{FailureCeiling: 5})
	s.Start(context.Background())

	failure, err := s.RunGuarded("matcher", "job-2", func() error {
		panic("index out of range")
	})
	if err == nil {
		t.Fatal("expected error from panicked job")
	}
	if failure == nil {
		t.Fatal("expected failure event")
	}
	if failure.PanicValue != "index out of range" {
		t.Errorf("unexpected panic value: %q", failure.PanicValue)
	}
	if failure.Component != "matcher" || failure.JobID != "job-2" {
		t.Errorf("unexpected event identity: %+v", failure)
	}
	if failure.Seq != 1 {
		t.Errorf("expected seq 1, got %d", failure.Seq)
	}
	if s.State() != StateRunning {
		t.Errorf("one panic below ceiling should keep run in running state, got %s", s.State())
	}
}

func TestSupervisor_AbortsAboveCeiling(t *testing.T) {
	s := New(Config{FailureCeiling: 5})
	ctx := s.Start(context.Background())

	// Six crashing jobs against a ceiling of five: the sixth tips it over.
	for i := 0; i < 6; i++ {
		_, _ = s.RunGuarded("worker", fmt.Sprintf("job-%d", i), func() error {
			panic("boom")
		})
	}

	if s.State() != StateAborted {
		t.Fatalf("expected aborted state, got %s", s.State())
	}
	if ctx.Err() == nil {
		t.Error("expected run context to be cancelled on abort")
	}

	// No further jobs are scheduled.
	_, err := s.RunGuarded("worker", "job-late", func() error {
		t.Error("job must not run after abort")
		return nil
	})
	if !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

func TestSupervisor_FiveFailuresDoNotAbort(t *testing.T) {
	s := New(Config{FailureCeiling: 5})
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		_, _ = s.RunGuarded("worker", fmt.Sprintf("job-%d", i), func() error {
			panic("boom")
		})
	}

	if s.State() != StateRunning {
		t.Errorf("five failures at ceiling five should not abort, got %s", s.State())
	}
	s.Complete()
	if s.State() != StateCompleted {
		t.Errorf("expected completed, got %s", s.State())
	}
}

func TestSupervisor_ReportCountsTowardCeiling(t *testing.T) {
	s := New(Config{FailureCeiling: 2})
	s.Start(context.Background())

	s.Report("fetcher", "2021", errors.New("corrupt archive"))
	s.Report("fetcher", "2022", errors.New("corrupt archive"))
	if s.Aborted() {
		t.Fatal("two failures at ceiling two should not abort")
	}
	s.Report("fetcher", "2023", errors.New("corrupt archive"))
	if !s.Aborted() {
		t.Fatal("third failure should exceed ceiling of two")
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []model.FailureEvent
}

func (c *captureSink) Emit(ev model.FailureEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestSupervisor_EmitsToSink(t *testing.T) {
	sink := &captureSink{}
	s := New(Config{FailureCeiling: 5, Sink: sink})
	s.Start(context.Background())

	_, _ = s.RunGuarded("extractor", "2020", func() error { panic("bad row") })
	s.Report("fetcher", "2021", errors.New("timeout"))

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 sink events, got %d", len(sink.events))
	}
	if sink.events[0].Component != "extractor" || sink.events[1].Component != "fetcher" {
		t.Errorf("unexpected event order: %+v", sink.events)
	}
	if events := s.Events(); len(events) != 2 {
		t.Errorf("expected 2 retained events, got %d", len(events))
	}
}

func TestSupervisor_ConcurrentGuardedJobs(t *testing.T) {
	s := New(Config{FailureCeiling: 100})
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = s.RunGuarded("worker", fmt.Sprintf("job-%d", n), func() error {
				if n%2 == 0 {
					panic("even job")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	if got := s.Failures(); got != 25 {
		t.Errorf("expected 25 failures, got %d", got)
	}
	if s.Aborted() {
		t.Error("should not abort below ceiling")
	}
}

func TestStackSummary_DeepTrace(t *testing.T) {
	s := New(Config{FailureCeiling: 5, StackFramePrefix: "awardlink"})

	// Module frames buried under a tall library stack must still surface.
	var b strings.Builder
	b.WriteString("goroutine 7 [running]:\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "encoding/json.(*decodeState).value(0x0)\n\t/usr/local/go/src/encoding/json/decode.go:%d +0x1\n", 300+i)
	}
	b.WriteString("github.com/scholarmetrics/awardlink/internal/match.(*Matcher).Match(0x0)\n")
	b.WriteString("\t/src/awardlink/internal/match/matcher.go:65 +0x2\n")

	got := s.stackSummary([]byte(b.String()))
	if got == "" {
		t.Fatal("expected a summary for a module frame deep in the trace")
	}
	if !strings.Contains(got, "match") {
		t.Errorf("summary should keep the module frame, got %q", got)
	}
}

func TestStackSummary_CapsCollectedFrames(t *testing.T) {
	s := New(Config{FailureCeiling: 5})

	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "frame-%d\n", i)
	}
	got := s.stackSummary([]byte(b.String()))
	if n := len(strings.Split(got, " <- ")); n != maxSummaryFrames {
		t.Errorf("expected %d frames, got %d: %q", maxSummaryFrames, n, got)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:      "idle",
		StateRunning:   "running",
		StateCompleted: "completed",
		StateAborted:   "aborted",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
