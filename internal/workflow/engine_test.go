package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/events"
)

// recorder is a fake executor that logs each call and delegates to fn.
type recorder struct {
	mu    sync.Mutex
	calls []backend.Request
	spans map[string][2]time.Time
	fn    func(ctx context.Context, req backend.Request) (string, error)
}

func newRecorder(fn func(ctx context.Context, req backend.Request) (string, error)) *recorder {
	if fn == nil {
		fn = func(_ context.Context, req backend.Request) (string, error) {
			return "out-" + stepOf(req), nil
		}
	}
	return &recorder{fn: fn, spans: make(map[string][2]time.Time)}
}

func (r *recorder) ExecuteWork(ctx context.Context, req backend.Request) (string, error) {
	start := time.Now()
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()

	out, err := r.fn(ctx, req)

	r.mu.Lock()
	r.spans[stepOf(req)] = [2]time.Time{start, time.Now()}
	r.mu.Unlock()
	return out, err
}

func (r *recorder) count(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if stepOf(c) == step {
			n++
		}
	}
	return n
}

func (r *recorder) span(step string) (time.Time, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.spans[step]
	return s[0], s[1]
}

func (r *recorder) request(step string) (backend.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if stepOf(c) == step {
			return c, true
		}
	}
	return backend.Request{}, false
}

func stepOf(req backend.Request) string {
	return req.Context["step_id"].(string)
}

func testConfig() Config {
	return Config{
		Interval:     5 * time.Millisecond,
		StepTimeout:  5 * time.Second,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		MaxRetained:  50,
	}
}

func newTestEngine(t *testing.T, exec backend.Executor, opts ...Option) *Engine {
	t.Helper()
	e, err := New(testConfig(), exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func mustRegister(t *testing.T, e *Engine, def Definition) {
	t.Helper()
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
}

func execute(t *testing.T, e *Engine, workflowID string, vars map[string]any) Execution {
	t.Helper()
	id, err := e.Execute(workflowID, vars)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return wait(t, e, id)
}

func wait(t *testing.T, e *Engine, id string) Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return exec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func step(id string, deps ...string) StepDefinition {
	return StepDefinition{ID: id, AgentType: "coder", Template: "do " + id, DependsOn: deps}
}

func stepState(t *testing.T, exec Execution, id string) StepRun {
	t.Helper()
	s, ok := exec.Step(id)
	if !ok {
		t.Fatalf("step %s missing from execution", id)
	}
	return s
}

func TestExecuteCompletesWithAllResults(t *testing.T) {
	rec := newRecorder(nil)
	e := newTestEngine(t, rec)

	b := step("B", "A")
	b.Template = "review {{.Context.A}} for {{.Context.project}}"
	c := step("C", "B")
	c.OutputVar = "summary"
	mustRegister(t, e, Definition{ID: "pipeline", Steps: []StepDefinition{step("A"), b, c}})
	start(t, e)

	exec := execute(t, e, "pipeline", map[string]any{"project": "dispatch"})

	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s), want completed", exec.State, exec.Error)
	}
	for key, want := range map[string]string{"A": "out-A", "B": "out-B", "summary": "out-C", "project": "dispatch"} {
		if got := exec.Context[key]; got != want {
			t.Errorf("context[%s] = %v, want %s", key, got, want)
		}
	}
	if len(exec.Results) != 3 {
		t.Errorf("results = %v, want 3 entries", exec.Results)
	}
	if got := stepState(t, exec, "B").Description; got != "review out-A for dispatch" {
		t.Errorf("rendered B = %q", got)
	}
	if exec.Duration() <= 0 {
		t.Error("expected a positive duration")
	}
}

func TestIndependentStepsRunInParallel(t *testing.T) {
	const work = 150 * time.Millisecond
	rec := newRecorder(func(ctx context.Context, req backend.Request) (string, error) {
		select {
		case <-time.After(work):
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	e := newTestEngine(t, rec)
	mustRegister(t, e, Definition{ID: "fan-in", Steps: []StepDefinition{step("A"), step("B"), step("C", "A", "B")}})
	start(t, e)

	began := time.Now()
	exec := execute(t, e, "fan-in", nil)
	elapsed := time.Since(began)

	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}

	aStart, aEnd := rec.span("A")
	bStart, bEnd := rec.span("B")
	cStart, _ := rec.span("C")
	if !aStart.Before(bEnd) || !bStart.Before(aEnd) {
		t.Error("A and B did not overlap")
	}
	if cStart.Before(aEnd) || cStart.Before(bEnd) {
		t.Error("C started before both dependencies finished")
	}
	// Sequential execution would take 3×work.
	if elapsed >= 3*work-20*time.Millisecond {
		t.Errorf("elapsed %s, expected close to 2×work", elapsed)
	}
}

func TestFalseConditionSkipsWithoutStalling(t *testing.T) {
	rec := newRecorder(nil)
	e := newTestEngine(t, rec)

	b := step("B", "A")
	b.Condition = &Condition{Variable: "A", Operator: OpEquals, Value: "nope"}
	strict := step("D", "B")
	strict.StrictDependencies = true
	mustRegister(t, e, Definition{ID: "guarded", Steps: []StepDefinition{step("A"), b, step("C", "B"), strict}})
	start(t, e)

	exec := execute(t, e, "guarded", nil)

	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if s := stepState(t, exec, "B"); s.State != StepSkipped || !strings.Contains(s.SkipReason, "condition") {
		t.Errorf("B = %s (%q), want skipped by condition", s.State, s.SkipReason)
	}
	if s := stepState(t, exec, "C"); s.State != StepCompleted {
		t.Errorf("C = %s, want completed after skipped dependency", s.State)
	}
	if s := stepState(t, exec, "D"); s.State != StepSkipped {
		t.Errorf("D = %s, want skipped because of strict dependencies", s.State)
	}
	if rec.count("B") != 0 || rec.count("D") != 0 {
		t.Error("skipped steps must not reach the executor")
	}
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	rec := newRecorder(func(context.Context, backend.Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("flaky")
		}
		return "finally", nil
	})
	var retrying atomic.Int32
	bus := events.NewBus()
	ch := bus.Subscribe(events.TopicStep, 64)
	go func() {
		for ev := range ch {
			if _, ok := ev.(events.StepRetryingEvent); ok {
				retrying.Add(1)
			}
		}
	}()
	t.Cleanup(bus.Close)

	e := newTestEngine(t, rec, WithBus(bus))
	a := step("A")
	a.Retries = 2
	mustRegister(t, e, Definition{ID: "flaky", Steps: []StepDefinition{a}})
	start(t, e)

	exec := execute(t, e, "flaky", nil)

	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if s := stepState(t, exec, "A"); s.Attempts != 3 || s.Output != "finally" {
		t.Errorf("A attempts = %d output = %q", s.Attempts, s.Output)
	}
	waitFor(t, "retry events", func() bool { return retrying.Load() == 2 })
	if m := e.Metrics(); m.StepRetries != 2 {
		t.Errorf("step retries = %d, want 2", m.StepRetries)
	}
}

func TestExhaustedRetriesFailExecution(t *testing.T) {
	blocked := make(chan struct{})
	rec := newRecorder(func(ctx context.Context, req backend.Request) (string, error) {
		if stepOf(req) == "slow" {
			<-ctx.Done()
			close(blocked)
			return "", ctx.Err()
		}
		return "", errors.New("boom")
	})
	e := newTestEngine(t, rec)

	bad := step("bad")
	bad.Retries = 1
	mustRegister(t, e, Definition{ID: "doomed", Steps: []StepDefinition{bad, step("slow"), step("after", "bad")}})
	start(t, e)

	exec := execute(t, e, "doomed", nil)

	if exec.State != ExecutionFailed {
		t.Fatalf("state = %s, want failed", exec.State)
	}
	if len(exec.FailedSteps) != 1 || exec.FailedSteps[0] != "bad" {
		t.Errorf("failed steps = %v, want [bad]", exec.FailedSteps)
	}
	if rec.count("bad") != 2 {
		t.Errorf("bad attempted %d times, want 2", rec.count("bad"))
	}
	if s := stepState(t, exec, "bad"); s.State != StepFailed || !strings.Contains(s.Error, "boom") {
		t.Errorf("bad = %s %q", s.State, s.Error)
	}
	if s := stepState(t, exec, "after"); s.State != StepWaiting {
		t.Errorf("after = %s, want waiting", s.State)
	}

	select {
	case <-blocked:
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight step was not cancelled")
	}
	if rec.count("after") != 0 {
		t.Error("dependent of a failed step ran")
	}
}

func TestStepTimeout(t *testing.T) {
	rec := newRecorder(func(ctx context.Context, _ backend.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := newTestEngine(t, rec)
	a := step("A")
	a.Timeout = 20 * time.Millisecond
	mustRegister(t, e, Definition{ID: "slow", Steps: []StepDefinition{a}})
	start(t, e)

	exec := execute(t, e, "slow", nil)

	if exec.State != ExecutionFailed {
		t.Fatalf("state = %s, want failed", exec.State)
	}
	if s := stepState(t, exec, "A"); !strings.Contains(s.Error, ErrStepTimeout.Error()) {
		t.Errorf("error = %q, want step timeout", s.Error)
	}
}

func TestWorkflowTimeout(t *testing.T) {
	rec := newRecorder(func(ctx context.Context, _ backend.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := newTestEngine(t, rec)
	mustRegister(t, e, Definition{ID: "bounded", Timeout: 30 * time.Millisecond, Steps: []StepDefinition{step("A")}})
	start(t, e)

	exec := execute(t, e, "bounded", nil)

	if exec.State != ExecutionFailed || !strings.Contains(exec.Error, ErrWorkflowTimeout.Error()) {
		t.Fatalf("state = %s error = %q, want workflow timeout", exec.State, exec.Error)
	}
}

func TestGroupFirstSkipsLosers(t *testing.T) {
	rec := newRecorder(func(ctx context.Context, req backend.Request) (string, error) {
		if stepOf(req) == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "fast result", nil
	})
	e := newTestEngine(t, rec)

	fast, slow := step("fast"), step("slow")
	fast.Group, slow.Group = "race", "race"
	mustRegister(t, e, Definition{
		ID:     "race",
		Groups: map[string]GroupMode{"race": GroupFirst},
		Steps:  []StepDefinition{fast, slow, step("next", "fast", "slow")},
	})
	start(t, e)

	exec := execute(t, e, "race", nil)

	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if s := stepState(t, exec, "slow"); s.State != StepSkipped || !strings.Contains(s.SkipReason, "won by fast") {
		t.Errorf("slow = %s (%q)", s.State, s.SkipReason)
	}
	if s := stepState(t, exec, "next"); s.State != StepCompleted {
		t.Errorf("next = %s, want completed", s.State)
	}
}

func TestGroupFirstToleratesFailedMember(t *testing.T) {
	rec := newRecorder(func(ctx context.Context, req backend.Request) (string, error) {
		if stepOf(req) == "broken" {
			return "", errors.New("broken")
		}
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	})
	e := newTestEngine(t, rec)

	broken, good := step("broken"), step("good")
	broken.Group, good.Group = "g", "g"
	mustRegister(t, e, Definition{
		ID:     "tolerant",
		Groups: map[string]GroupMode{"g": GroupFirst},
		Steps:  []StepDefinition{broken, good, step("next", "broken")},
	})
	start(t, e)

	exec := execute(t, e, "tolerant", nil)

	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if s := stepState(t, exec, "next"); s.State != StepCompleted {
		t.Errorf("next = %s, want completed", s.State)
	}
}

func TestGroupFirstAllMembersFail(t *testing.T) {
	rec := newRecorder(func(context.Context, backend.Request) (string, error) {
		return "", errors.New("nope")
	})
	e := newTestEngine(t, rec)

	a, b := step("a"), step("b")
	a.Group, b.Group = "g", "g"
	mustRegister(t, e, Definition{ID: "hopeless", Groups: map[string]GroupMode{"g": GroupFirst}, Steps: []StepDefinition{a, b}})
	start(t, e)

	exec := execute(t, e, "hopeless", nil)

	if exec.State != ExecutionFailed {
		t.Fatalf("state = %s, want failed", exec.State)
	}
	if len(exec.FailedSteps) != 2 {
		t.Errorf("failed steps = %v, want both members", exec.FailedSteps)
	}
}

func TestPauseAndResume(t *testing.T) {
	rec := newRecorder(nil)
	e := newTestEngine(t, rec)
	mustRegister(t, e, Definition{ID: "pausable", Steps: []StepDefinition{step("A"), step("B", "A")}})

	id, err := e.Execute("pausable", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	start(t, e)

	time.Sleep(50 * time.Millisecond)
	if rec.count("A") != 0 {
		t.Fatal("paused execution launched a step")
	}
	exec, _ := e.ExecutionStatus(id)
	if exec.State != ExecutionPaused {
		t.Fatalf("state = %s, want paused", exec.State)
	}
	if err := e.Pause(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Pause error = %v, want ErrInvalidTransition", err)
	}

	if err := e.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if exec := wait(t, e, id); exec.State != ExecutionCompleted {
		t.Fatalf("state = %s after resume", exec.State)
	}
	if err := e.Resume(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume of completed execution error = %v", err)
	}
}

func TestPauseLetsInFlightStepFinish(t *testing.T) {
	release := make(chan struct{})
	rec := newRecorder(func(ctx context.Context, req backend.Request) (string, error) {
		if stepOf(req) == "A" {
			<-release
		}
		return "done", nil
	})
	e := newTestEngine(t, rec)
	mustRegister(t, e, Definition{ID: "p", Steps: []StepDefinition{step("A"), step("B", "A")}})
	start(t, e)

	id, _ := e.Execute("p", nil)
	waitFor(t, "A to start", func() bool { return rec.count("A") == 1 })
	if err := e.Pause(id); err != nil {
		t.Fatal(err)
	}
	close(release)

	waitFor(t, "A to complete", func() bool {
		exec, _ := e.ExecutionStatus(id)
		s, _ := exec.Step("A")
		return s.State == StepCompleted
	})
	time.Sleep(30 * time.Millisecond)
	if rec.count("B") != 0 {
		t.Fatal("B launched while paused")
	}

	e.Resume(id)
	if exec := wait(t, e, id); exec.State != ExecutionCompleted {
		t.Fatalf("state = %s", exec.State)
	}
}

func TestCancelExecution(t *testing.T) {
	cancelled := make(chan struct{})
	rec := newRecorder(func(ctx context.Context, _ backend.Request) (string, error) {
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	})
	e := newTestEngine(t, rec)
	mustRegister(t, e, Definition{ID: "long", Steps: []StepDefinition{step("A"), step("B", "A")}})
	start(t, e)

	id, _ := e.Execute("long", nil)
	waitFor(t, "A to start", func() bool { return rec.count("A") == 1 })

	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight step was not signalled")
	}

	exec := wait(t, e, id)
	if exec.State != ExecutionCancelled {
		t.Fatalf("state = %s, want cancelled", exec.State)
	}
	if err := e.Cancel(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Cancel error = %v, want ErrInvalidTransition", err)
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count("B") != 0 {
		t.Error("step launched after cancellation")
	}
}

func TestRegisterWorkflowValidation(t *testing.T) {
	e := newTestEngine(t, newRecorder(nil))

	bad := func(mut func(*Definition)) Definition {
		d := Definition{ID: "wf", Steps: []StepDefinition{step("A"), step("B", "A")}}
		mut(&d)
		return d
	}
	tests := []struct {
		name string
		def  Definition
	}{
		{"empty id", bad(func(d *Definition) { d.ID = "" })},
		{"no steps", bad(func(d *Definition) { d.Steps = nil })},
		{"cycle", bad(func(d *Definition) { d.Steps[0].DependsOn = []string{"B"} })},
		{"unknown dependency", bad(func(d *Definition) { d.Steps[1].DependsOn = []string{"Z"} })},
		{"missing agent type", bad(func(d *Definition) { d.Steps[0].AgentType = "" })},
		{"unknown group", bad(func(d *Definition) { d.Steps[0].Group = "nowhere" })},
		{"bad group mode", bad(func(d *Definition) { d.Groups = map[string]GroupMode{"g": "some"} })},
		{"bad operator", bad(func(d *Definition) { d.Steps[1].Condition = &Condition{Variable: "A", Operator: "like"} })},
		{"bad template", bad(func(d *Definition) { d.Steps[0].Template = "{{.Context.x" })},
		{"negative retries", bad(func(d *Definition) { d.Steps[0].Retries = -1 })},
		{"shared output var", bad(func(d *Definition) { d.Steps[1].OutputVar = "A" })},
		{"zero trigger interval", bad(func(d *Definition) { d.Trigger = &Trigger{} })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.RegisterWorkflow(tt.def); !errors.Is(err, ErrInvalidWorkflow) {
				t.Errorf("error = %v, want ErrInvalidWorkflow", err)
			}
		})
	}

	mustRegister(t, e, Definition{ID: "ok", Steps: []StepDefinition{step("A")}})
	if err := e.RegisterWorkflow(Definition{ID: "ok", Steps: []StepDefinition{step("A")}}); !errors.Is(err, ErrDuplicateWorkflow) {
		t.Errorf("duplicate error = %v", err)
	}
	if _, err := e.Execute("missing", nil); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("Execute unknown error = %v", err)
	}
	if err := e.UnregisterWorkflow("ok"); err != nil {
		t.Errorf("UnregisterWorkflow: %v", err)
	}
	if len(e.Workflows()) != 0 {
		t.Error("workflow still listed after unregister")
	}
}

func TestRegisteredDefinitionIsCopied(t *testing.T) {
	e := newTestEngine(t, newRecorder(nil))
	def := Definition{ID: "wf", Steps: []StepDefinition{step("A"), step("B", "A")}}
	mustRegister(t, e, def)

	def.Steps[1].DependsOn[0] = "mutated"
	got, err := e.Workflow("wf")
	if err != nil {
		t.Fatal(err)
	}
	if got.Steps[1].DependsOn[0] != "A" {
		t.Error("caller mutation leaked into registered definition")
	}
}

func TestTriggersFireOnInterval(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	e := newTestEngine(t, newRecorder(nil), WithClock(func() time.Time { return now }))

	mustRegister(t, e, Definition{
		ID:      "nightly",
		Steps:   []StepDefinition{step("A")},
		Trigger: &Trigger{Every: 10 * time.Second, Context: map[string]any{"source": "timer"}},
	})
	overlap := Definition{
		ID:      "overlap",
		Steps:   []StepDefinition{step("A")},
		Trigger: &Trigger{Every: 10 * time.Second, AllowOverlap: true},
	}
	mustRegister(t, e, overlap)

	if next, ok := e.NextTrigger("nightly"); !ok || !next.Equal(base.Add(10*time.Second)) {
		t.Fatalf("next trigger = %v, %v", next, ok)
	}

	tick := func(at time.Time) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.checkTriggers(at)
	}

	tick(base.Add(5 * time.Second))
	if n := len(e.ListExecutions("")); n != 0 {
		t.Fatalf("%d executions before the interval elapsed", n)
	}

	tick(base.Add(10 * time.Second))
	runs := e.ListExecutions("nightly")
	if len(runs) != 1 {
		t.Fatalf("nightly executions = %d, want 1", len(runs))
	}
	if !runs[0].Triggered || runs[0].Context["source"] != "timer" {
		t.Errorf("triggered run = %+v", runs[0])
	}

	// The engine is not running, so the first run is still pending.
	tick(base.Add(20 * time.Second))
	if n := len(e.ListExecutions("nightly")); n != 1 {
		t.Errorf("nightly executions = %d, overlapping trigger should be skipped", n)
	}
	if n := len(e.ListExecutions("overlap")); n != 2 {
		t.Errorf("overlap executions = %d, want 2", n)
	}
	if m := e.Metrics(); m.Triggered != 3 || m.Pending != 3 {
		t.Errorf("metrics triggered=%d pending=%d", m.Triggered, m.Pending)
	}
}

func TestMaxRetainedPrunesOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetained = 2
	e, err := New(cfg, newRecorder(nil))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	mustRegister(t, e, Definition{ID: "quick", Steps: []StepDefinition{step("A")}})
	start(t, e)

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, execute(t, e, "quick", nil).ID)
	}
	e.Trigger()

	waitFor(t, "pruning", func() bool { return len(e.ListExecutions("quick")) == 2 })
	if _, err := e.ExecutionStatus(ids[0]); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("oldest execution still retained: %v", err)
	}
	if _, err := e.ExecutionStatus(ids[3]); err != nil {
		t.Errorf("newest execution pruned: %v", err)
	}
	if m := e.Metrics(); m.Completed != 4 || m.Executions != 4 {
		t.Errorf("metrics completed=%d executions=%d", m.Completed, m.Executions)
	}
}

type execReporter struct {
	mu   sync.Mutex
	seen []Execution
}

func (r *execReporter) ReportExecution(_ context.Context, exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, exec)
	return nil
}

func (r *execReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestEventsReporterAndPicker(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	all := bus.SubscribeAll(64)

	rep := &execReporter{}
	rec := newRecorder(nil)
	picker := AgentPickerFunc(func(_, agentType, _ string) (string, Lease, bool) {
		return agentType + "-7", nil, true
	})
	e := newTestEngine(t, rec, WithBus(bus), WithReporter(rep), WithAgentPicker(picker))
	mustRegister(t, e, Definition{ID: "observed", Steps: []StepDefinition{step("A"), step("B", "A")}})
	start(t, e)

	exec := execute(t, e, "observed", nil)

	if s := stepState(t, exec, "A"); s.AgentID != "coder-7" {
		t.Errorf("agent = %q, want coder-7", s.AgentID)
	}
	if req, ok := rec.request("B"); !ok || req.AgentID != "coder-7" || req.TaskID != exec.ID+"/B" {
		t.Errorf("request = %+v", req)
	}
	waitFor(t, "report", func() bool { return rep.count() == 1 })

	want := map[string]bool{
		events.EventTypeExecutionStarted:  false,
		events.EventTypeStepStarted:       false,
		events.EventTypeStepCompleted:     false,
		events.EventTypeExecutionFinished: false,
	}
	deadline := time.After(2 * time.Second)
	for missing := len(want); missing > 0; {
		select {
		case ev := <-all:
			if seen, tracked := want[ev.EventType()]; tracked && !seen {
				want[ev.EventType()] = true
				missing--
			}
		case <-deadline:
			t.Fatalf("missing events: %v", want)
		}
	}
}

// fakeLease counts how each step's agent slot was given back.
type fakeLease struct {
	finished int
	released int
	err      error
}

type leaseBook struct {
	mu     sync.Mutex
	leases map[string]*fakeLease
}

func (b *leaseBook) PickAgent(holder, agentType, _ string) (string, Lease, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := &fakeLease{}
	b.leases[holder] = l
	return agentType + "-1", leaseFunc{book: b, l: l}, true
}

func (b *leaseBook) get(holder string) fakeLease {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l := b.leases[holder]; l != nil {
		return *l
	}
	return fakeLease{}
}

type leaseFunc struct {
	book *leaseBook
	l    *fakeLease
}

func (f leaseFunc) Finish(err error, _ time.Duration) {
	f.book.mu.Lock()
	f.l.finished++
	f.l.err = err
	f.book.mu.Unlock()
}

func (f leaseFunc) Release() {
	f.book.mu.Lock()
	f.l.released++
	f.book.mu.Unlock()
}

func TestAgentLeasesEndOnce(t *testing.T) {
	rec := newRecorder(func(ctx context.Context, req backend.Request) (string, error) {
		switch stepOf(req) {
		case "slow":
			<-ctx.Done()
			return "", ctx.Err()
		case "flaky":
			return "", errors.New("broken")
		}
		return "ok", nil
	})
	book := &leaseBook{leases: map[string]*fakeLease{}}
	e := newTestEngine(t, rec, WithAgentPicker(book))

	fast, slow, flaky := step("fast"), step("slow"), step("flaky")
	fast.Group, slow.Group, flaky.Group = "race", "race", "race"
	mustRegister(t, e, Definition{
		ID:     "leases",
		Groups: map[string]GroupMode{"race": GroupFirst},
		Steps:  []StepDefinition{fast, slow, flaky, step("next", "fast", "slow", "flaky")},
	})
	start(t, e)

	exec := execute(t, e, "leases", nil)
	if exec.State != ExecutionCompleted {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}

	for _, tt := range []struct {
		step     string
		finished int
		released int
		wantErr  bool
	}{
		{step: "fast", finished: 1},
		{step: "next", finished: 1},
		{step: "slow", released: 1},
		{step: "flaky", finished: 1, wantErr: true},
	} {
		t.Run(tt.step, func(t *testing.T) {
			got := book.get(exec.ID + "/" + tt.step)
			if got.finished+got.released != 1 {
				t.Fatalf("lease ended %d times, want once", got.finished+got.released)
			}
			if tt.step == "flaky" && got.released == 1 {
				// Skipped by the winner before its failure settled.
				return
			}
			if got.finished != tt.finished || got.released != tt.released {
				t.Errorf("finished=%d released=%d, want %d and %d", got.finished, got.released, tt.finished, tt.released)
			}
			if (got.err != nil) != tt.wantErr {
				t.Errorf("outcome err = %v, wantErr %v", got.err, tt.wantErr)
			}
		})
	}
}

func TestMissingTemplateKeyRendersEmpty(t *testing.T) {
	rec := newRecorder(nil)
	e := newTestEngine(t, rec)
	a := step("A")
	a.Template = "value=[{{.Context.absent}}] exec={{.ExecutionID}}"
	mustRegister(t, e, Definition{ID: "tmpl", Steps: []StepDefinition{a}})
	start(t, e)

	exec := execute(t, e, "tmpl", nil)

	if got, want := stepState(t, exec, "A").Description, fmt.Sprintf("value=[] exec=%s", exec.ID); got != want {
		t.Errorf("description = %q, want %q", got, want)
	}
}

func TestStopReturnsInterruptedStepsToWaiting(t *testing.T) {
	// The first attempt blocks until Stop cancels it; later ones succeed.
	first := make(chan struct{})
	var once sync.Once
	rec := newRecorder(func(ctx context.Context, _ backend.Request) (string, error) {
		blocking := false
		once.Do(func() { blocking = true; close(first) })
		if blocking {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	})
	e := newTestEngine(t, rec)
	mustRegister(t, e, Definition{ID: "resumable", Steps: []StepDefinition{step("A")}})

	start(t, e)
	id, _ := e.Execute("resumable", nil)
	<-first
	e.Stop()

	exec, _ := e.ExecutionStatus(id)
	if s := stepState(t, exec, "A"); s.State != StepWaiting {
		t.Fatalf("A = %s after stop, want waiting", s.State)
	}
	if exec.State != ExecutionRunning {
		t.Fatalf("state = %s after stop, want running", exec.State)
	}

	start(t, e)
	if exec := wait(t, e, id); exec.State != ExecutionCompleted {
		t.Fatalf("state = %s after restart", exec.State)
	}
}
