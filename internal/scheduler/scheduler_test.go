package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/events"
)

// fakeExecutor records every request and delegates to fn.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []backend.Request
	fn    func(ctx context.Context, req backend.Request) (string, error)
}

func (f *fakeExecutor) ExecuteWork(ctx context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.fn == nil {
		return "ok:" + req.TaskID, nil
	}
	return f.fn(ctx, req)
}

func (f *fakeExecutor) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.TaskID
	}
	return ids
}

func (f *fakeExecutor) count(taskID string) int {
	n := 0
	for _, id := range f.order() {
		if id == taskID {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Interval:      5 * time.Millisecond,
		Mode:          string(ModePriority),
		TimeoutFactor: 2,
		RetryInitial:  time.Millisecond,
		RetryMax:      5 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T, exec backend.Executor, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func mustRegister(t *testing.T, s *Scheduler, id, typ string, capacity int) {
	t.Helper()
	if err := s.RegisterAgent(AgentConfig{ID: id, Type: typ, MaxCapacity: capacity}); err != nil {
		t.Fatalf("RegisterAgent(%s): %v", id, err)
	}
}

func mustSubmit(t *testing.T, s *Scheduler, sub Submission) string {
	t.Helper()
	id, err := s.Submit(sub)
	if err != nil {
		t.Fatalf("Submit(%s): %v", sub.ID, err)
	}
	return id
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

func waitState(t *testing.T, s *Scheduler, id string, want State) Task {
	t.Helper()
	var task Task
	waitFor(t, id+" to become "+want.String(), func() bool {
		var err error
		task, err = s.TaskStatus(id)
		return err == nil && task.State == want
	})
	return task
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	exec := &fakeExecutor{}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "low", Title: "low", Priority: analysis.PriorityLow})
	mustSubmit(t, s, Submission{ID: "urgent", Title: "urgent", Priority: analysis.PriorityUrgent})
	mustSubmit(t, s, Submission{ID: "medium", Title: "medium", Priority: analysis.PriorityMedium})
	mustSubmit(t, s, Submission{ID: "high", Title: "high", Priority: analysis.PriorityHigh})

	start(t, s)
	waitState(t, s, "low", StateCompleted)

	got := strings.Join(exec.order(), ",")
	if got != "urgent,high,medium,low" {
		t.Errorf("dispatch order = %s, want urgent,high,medium,low", got)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	var current, peak atomic.Int32
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return "done", nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 2)

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, mustSubmit(t, s, Submission{Title: "task", AgentTypes: []string{"coder"}}))
	}

	start(t, s)
	waitFor(t, "all tasks to complete", func() bool {
		a, err := s.AgentStatus("a1")
		if err != nil {
			t.Fatalf("AgentStatus: %v", err)
		}
		if a.CurrentLoad > a.MaxCapacity {
			t.Fatalf("load %d exceeds capacity %d", a.CurrentLoad, a.MaxCapacity)
		}
		return s.Status().Completed == len(ids)
	})

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds capacity 2", p)
	}
}

func TestDependencyNeverRunsEarly(t *testing.T) {
	var parentDone atomic.Bool
	var violated atomic.Bool
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		switch req.TaskID {
		case "parent":
			time.Sleep(30 * time.Millisecond)
			parentDone.Store(true)
		case "child":
			if !parentDone.Load() {
				violated.Store(true)
			}
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 4)

	mustSubmit(t, s, Submission{ID: "parent", Title: "parent"})
	mustSubmit(t, s, Submission{ID: "child", Title: "child", Dependencies: []string{"parent"}})

	child, _ := s.TaskStatus("child")
	if len(child.Dependencies) != 1 || child.Dependencies[0] != "parent" {
		t.Fatalf("expected pending dependency on parent, got %v", child.Dependencies)
	}

	start(t, s)
	child = waitState(t, s, "child", StateCompleted)

	if violated.Load() {
		t.Error("child started before parent completed")
	}
	if len(child.Dependencies) != 0 {
		t.Errorf("expected no remaining dependencies, got %v", child.Dependencies)
	}
}

func TestRetryBound(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		return "", errors.New("agent exploded")
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "flaky", Title: "flaky", MaxRetries: Retries(2)})
	start(t, s)

	task := waitState(t, s, "flaky", StateFailed)
	time.Sleep(50 * time.Millisecond)

	if n := exec.count("flaky"); n != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", n)
	}
	if task.Attempts != 3 || task.Retries != 2 {
		t.Errorf("attempts=%d retries=%d, want 3 and 2", task.Attempts, task.Retries)
	}
	if !strings.Contains(task.Error, "agent exploded") {
		t.Errorf("expected failure message recorded, got %q", task.Error)
	}
	if m := s.Metrics(); m.Failed != 1 || m.Retries != 2 || m.SuccessRate != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	started := make(chan struct{}, 1)
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "running", Title: "running"})
	mustSubmit(t, s, Submission{ID: "queued", Title: "queued"})
	start(t, s)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if !s.Cancel("queued") {
		t.Error("first cancel of queued task returned false")
	}
	if !s.Cancel("running") {
		t.Error("first cancel of running task returned false")
	}
	if s.Cancel("running") || s.Cancel("queued") {
		t.Error("second cancel returned true")
	}
	if s.Cancel("missing") {
		t.Error("cancel of unknown task returned true")
	}

	a, _ := s.AgentStatus("a1")
	if a.CurrentLoad != 0 {
		t.Errorf("agent slot not released, load = %d", a.CurrentLoad)
	}

	time.Sleep(50 * time.Millisecond)
	if n := exec.count("running"); n != 1 {
		t.Errorf("cancelled task executed %d times", n)
	}
	if n := exec.count("queued"); n != 0 {
		t.Errorf("cancelled queued task executed %d times", n)
	}
	task, _ := s.TaskStatus("running")
	if task.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", task.State)
	}
}

func TestFailedTaskDoesNotBlockQueue(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		if req.TaskID == "t1" {
			<-release
			return "", errors.New("t1 failed")
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	for _, id := range []string{"t1", "t2", "t3"} {
		mustSubmit(t, s, Submission{ID: id, Title: id, Priority: analysis.PriorityMedium, MaxRetries: Retries(0)})
	}
	start(t, s)

	waitState(t, s, "t1", StateExecuting)
	for _, id := range []string{"t2", "t3"} {
		if task, _ := s.TaskStatus(id); task.State != StateQueued {
			t.Errorf("%s state = %s while t1 executes, want queued", id, task.State)
		}
	}

	close(release)
	waitState(t, s, "t3", StateCompleted)

	if got := strings.Join(exec.order(), ","); got != "t1,t2,t3" {
		t.Errorf("execution order = %s, want t1,t2,t3", got)
	}
	if task, _ := s.TaskStatus("t1"); task.State != StateFailed {
		t.Errorf("t1 state = %s, want failed", task.State)
	}
}

func TestUnregisterAgentRequeues(t *testing.T) {
	started := make(chan struct{}, 1)
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		if req.AgentID == "a1" {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done by " + req.AgentID, nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "job", Title: "job", AgentTypes: []string{"coder"}, MaxRetries: Retries(0)})
	start(t, s)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started on a1")
	}

	if err := s.UnregisterAgent("a1"); err != nil {
		t.Fatalf("UnregisterAgent: %v", err)
	}
	if task, _ := s.TaskStatus("job"); task.State != StateQueued {
		t.Fatalf("state after unregister = %s, want queued", task.State)
	}
	if err := s.UnregisterAgent("a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}

	mustRegister(t, s, "a2", "coder", 1)
	task := waitState(t, s, "job", StateCompleted)

	if task.AgentID != "a2" || task.Result != "done by a2" {
		t.Errorf("task finished on %s with %q", task.AgentID, task.Result)
	}
	if task.Retries != 0 {
		t.Errorf("reassignment consumed a retry: %d", task.Retries)
	}
}

func TestDependencyFailureCascades(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		if req.TaskID == "root" {
			return "", errors.New("boom")
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 2)

	mustSubmit(t, s, Submission{ID: "root", Title: "root", MaxRetries: Retries(0)})
	mustSubmit(t, s, Submission{ID: "mid", Title: "mid", Dependencies: []string{"root"}})
	mustSubmit(t, s, Submission{ID: "leaf", Title: "leaf", Dependencies: []string{"mid"}})
	start(t, s)

	leaf := waitState(t, s, "leaf", StateFailed)
	mid, _ := s.TaskStatus("mid")

	if mid.State != StateFailed || !strings.Contains(mid.Error, ErrDependencyFailed.Error()) {
		t.Errorf("mid = %s %q, want dependency failure", mid.State, mid.Error)
	}
	if !strings.Contains(leaf.Error, ErrDependencyFailed.Error()) {
		t.Errorf("leaf error = %q", leaf.Error)
	}
	if exec.count("mid")+exec.count("leaf") != 0 {
		t.Error("dependents of a failed task were executed")
	}

	if _, err := s.Submit(Submission{Title: "late", Dependencies: []string{"root"}}); !errors.Is(err, ErrDependencyFailed) {
		t.Errorf("expected ErrDependencyFailed for failed dependency, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, &fakeExecutor{}, testConfig())
	mustRegister(t, s, "a1", "coder", 1)
	mustSubmit(t, s, Submission{ID: "existing", Title: "existing"})

	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{"empty text", Submission{}, ErrInvalidSubmission},
		{"duplicate id", Submission{ID: "existing", Title: "again"}, ErrDuplicateTask},
		{"unknown dependency", Submission{Title: "x", Dependencies: []string{"nope"}}, ErrUnknownDependency},
		{"self dependency", Submission{ID: "self", Title: "x", Dependencies: []string{"self"}}, ErrInvalidSubmission},
		{"no agent of type", Submission{Title: "x", AgentTypes: []string{"designer"}}, ErrNoMatchingAgent},
		{"negative retries", Submission{Title: "x", MaxRetries: Retries(-1)}, ErrInvalidSubmission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(tt.sub)
			if !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}

	if n := len(s.Tasks()); n != 1 {
		t.Errorf("rejected submissions entered the queue: %d tasks", n)
	}
}

func TestSubmitDropsCompletedDependencies(t *testing.T) {
	s := newTestScheduler(t, &fakeExecutor{}, testConfig())
	mustRegister(t, s, "a1", "coder", 1)
	start(t, s)

	mustSubmit(t, s, Submission{ID: "first", Title: "first"})
	waitState(t, s, "first", StateCompleted)

	mustSubmit(t, s, Submission{ID: "second", Title: "second", Dependencies: []string{"first"}})
	task, _ := s.TaskStatus("second")
	if len(task.Dependencies) != 0 {
		t.Errorf("completed dependency kept: %v", task.Dependencies)
	}
	waitState(t, s, "second", StateCompleted)
}

func TestTaskTimeout(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "slow", Title: "slow", EstimatedDuration: 10 * time.Millisecond, MaxRetries: Retries(0)})
	start(t, s)

	task := waitState(t, s, "slow", StateFailed)
	if !strings.Contains(task.Error, ErrTaskTimeout.Error()) {
		t.Errorf("expected timeout error, got %q", task.Error)
	}
}

func TestMaxQueueWait(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		<-release
		return "ok", nil
	}}
	cfg := testConfig()
	cfg.MaxQueueWait = 30 * time.Millisecond
	s := newTestScheduler(t, exec, cfg)
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "hog", Title: "hog", Priority: analysis.PriorityHigh})
	mustSubmit(t, s, Submission{ID: "starved", Title: "starved", Priority: analysis.PriorityLow})
	start(t, s)

	task := waitState(t, s, "starved", StateFailed)
	if !strings.Contains(task.Error, ErrQueueTimeout.Error()) {
		t.Errorf("expected queue timeout, got %q", task.Error)
	}
	close(release)
	waitState(t, s, "hog", StateCompleted)
}

func TestWorkerPanicFailsTask(t *testing.T) {
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		if req.TaskID == "bad" {
			panic("executor bug")
		}
		return "fine", nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)

	mustSubmit(t, s, Submission{ID: "bad", Title: "bad", Priority: analysis.PriorityHigh, MaxRetries: Retries(0)})
	mustSubmit(t, s, Submission{ID: "good", Title: "good"})
	start(t, s)

	bad := waitState(t, s, "bad", StateFailed)
	if !strings.Contains(bad.Error, ErrWorkerPanic.Error()) {
		t.Errorf("expected panic failure, got %q", bad.Error)
	}
	waitState(t, s, "good", StateCompleted)
}

func TestExclusiveResources(t *testing.T) {
	var holders, peak atomic.Int32
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		if req.TaskID != "other" {
			n := holders.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(15 * time.Millisecond)
			holders.Add(-1)
		}
		return "ok", nil
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 4)

	mustSubmit(t, s, Submission{ID: "m1", Title: "migrate one", Resources: []string{"db"}})
	mustSubmit(t, s, Submission{ID: "m2", Title: "migrate two", Resources: []string{"db", "cache"}})
	mustSubmit(t, s, Submission{ID: "other", Title: "unrelated", Resources: []string{"docs"}})
	start(t, s)

	waitState(t, s, "m1", StateCompleted)
	waitState(t, s, "m2", StateCompleted)
	waitState(t, s, "other", StateCompleted)

	if p := peak.Load(); p != 1 {
		t.Errorf("tasks sharing a resource overlapped (peak %d)", p)
	}
}

func TestEventsAndReporter(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 64)

	rep := &fakeReporter{}
	s := newTestScheduler(t, &fakeExecutor{}, testConfig(), WithBus(bus), WithReporter(rep))
	mustRegister(t, s, "a1", "coder", 1)
	mustSubmit(t, s, Submission{ID: "t1", Title: "t1"})
	start(t, s)

	waitState(t, s, "t1", StateCompleted)
	waitFor(t, "report", func() bool { return rep.count() == 1 })

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case ev := <-sub:
			seen[ev.EventType()] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	for _, typ := range []string{events.EventTypeTaskSubmitted, events.EventTypeTaskStarted, events.EventTypeTaskCompleted} {
		if !seen[typ] {
			t.Errorf("missing %s event", typ)
		}
	}

	got := rep.tasks()[0]
	if got.ID != "t1" || got.State != StateCompleted || got.Result != "ok:t1" {
		t.Errorf("unexpected report %+v", got)
	}
}

func TestStopRequeuesInterruptedTasks(t *testing.T) {
	started := make(chan struct{}, 1)
	exec := &fakeExecutor{fn: func(ctx context.Context, req backend.Request) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newTestScheduler(t, exec, testConfig())
	mustRegister(t, s, "a1", "coder", 1)
	mustSubmit(t, s, Submission{ID: "long", Title: "long", MaxRetries: Retries(0)})
	start(t, s)
	<-started

	s.Stop()

	task, _ := s.TaskStatus("long")
	if task.State != StateQueued {
		t.Errorf("state after stop = %s, want queued", task.State)
	}
	if s.Status().Running {
		t.Error("scheduler still reports running")
	}
}

func TestSetMode(t *testing.T) {
	s := newTestScheduler(t, &fakeExecutor{}, testConfig())
	if err := s.SetMode(ModeSmart); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if s.Mode() != ModeSmart {
		t.Errorf("mode = %s", s.Mode())
	}
	if err := s.SetMode("random"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
	if _, err := New(Config{Mode: "bogus"}, &fakeExecutor{}); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("New with bad mode: %v", err)
	}
}

type fakeReporter struct {
	mu   sync.Mutex
	seen []Task
}

func (r *fakeReporter) ReportTask(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
	return nil
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *fakeReporter) tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.seen...)
}

func TestRankAgents(t *testing.T) {
	s := newTestScheduler(t, &fakeExecutor{}, testConfig(),
		WithAgentFilter(func(id string) bool { return id != "down" }))

	for _, cfg := range []AgentConfig{
		{ID: "db", Type: "coder", MaxCapacity: 1, Skills: map[string]float64{"database": 1}},
		{ID: "web", Type: "coder", MaxCapacity: 1, Skills: map[string]float64{"frontend": 1}},
		{ID: "rev", Type: "reviewer", MaxCapacity: 1, Skills: map[string]float64{"database": 1}},
		{ID: "down", Type: "coder", MaxCapacity: 1, Skills: map[string]float64{"database": 1}},
	} {
		if err := s.RegisterAgent(cfg); err != nil {
			t.Fatalf("RegisterAgent(%s): %v", cfg.ID, err)
		}
	}

	ranked := s.RankAgents("Add an index to the postgres database schema for the slow sql query", []string{"coder"})
	if len(ranked) != 2 {
		t.Fatalf("ranked = %+v, want db and web only", ranked)
	}
	if ranked[0].AgentID != "db" || ranked[1].AgentID != "web" {
		t.Errorf("order = %s, %s", ranked[0].AgentID, ranked[1].AgentID)
	}

	if all := s.RankAgents("anything", nil); len(all) != 3 {
		t.Errorf("untyped ranking = %d agents, want 3", len(all))
	}
	if none := s.RankAgents("anything", []string{"designer"}); len(none) != 0 {
		t.Errorf("unknown type ranking = %+v", none)
	}
}
