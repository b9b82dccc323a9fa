package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentroom/config"
	"github.com/BaSui01/agentroom/directory"
	"github.com/BaSui01/agentroom/evaluation"
	"github.com/BaSui01/agentroom/internal/database"
	"github.com/BaSui01/agentroom/internal/pool"
	"github.com/BaSui01/agentroom/ledger"
	"github.com/BaSui01/agentroom/llm"
	"github.com/BaSui01/agentroom/notify"
	"github.com/BaSui01/agentroom/store"
	"github.com/BaSui01/agentroom/types"
)

const (
	pass  = `{"score":0.9,"result":"pass","feedback":"good"}`
	fine  = `{"score":0.8,"result":"pass","feedback":"fine"}`
	weak  = `{"score":0.5,"result":"needs_improvement","feedback":"missing tests","suggestions":"add tests"}`
	wrong = `{"score":0.2,"result":"fail","feedback":"off topic"}`
)

// --- fakes ---

// scriptedGenerator answers per agent id. Each agent has a queue of replies;
// the last reply repeats.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[string][]string
	errs    map[string]error
	block   map[string]chan struct{}
	prompts map[string][]string
}

func newScripted() *scriptedGenerator {
	return &scriptedGenerator{
		replies: map[string][]string{
			"analyst-1": {"analysis: summarize X in 3 bullets"},
			"coord-1":   {"plan: read, extract, write"},
			"worker-1":  {"result v1", "result v2", "result v3", "result v4"},
			"eval-1":    {pass},
			"eval-2":    {fine},
			"eval-3":    {pass},
		},
		errs:    map[string]error{},
		block:   map[string]chan struct{}{},
		prompts: map[string][]string{},
	}
}

func (g *scriptedGenerator) set(agentID string, replies ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[agentID] = replies
}

func (g *scriptedGenerator) promptsOf(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts[agentID]...)
}

func (g *scriptedGenerator) Generate(ctx context.Context, cfg types.GenerationConfig, prompt string) (*llm.Result, error) {
	g.mu.Lock()
	g.prompts[cfg.AgentID] = append(g.prompts[cfg.AgentID], prompt)
	gate := g.block[cfg.AgentID]
	err := g.errs[cfg.AgentID]
	queue := g.replies[cfg.AgentID]
	text := ""
	if len(queue) > 0 {
		text = queue[0]
		if len(queue) > 1 {
			g.replies[cfg.AgentID] = queue[1:]
		}
	}
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.Result{Text: text, Model: "test", Usage: types.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []types.Event
	msgs   []*types.Message
}

func (s *eventSink) Name() string { return "test" }

func (s *eventSink) PublishMessage(_ context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *eventSink) PublishEvent(_ context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) of(typ types.EventType) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// path returns the sequence of statuses reported by stage_changed events.
func (s *eventSink) path() []string {
	var out []string
	for _, ev := range s.of(types.EventStageChanged) {
		if len(out) == 0 {
			out = append(out, ev.Data["from"].(string))
		}
		out = append(out, ev.Data["to"].(string))
	}
	return out
}

func (s *eventSink) messagesOf(kind types.MessageKind) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type inlineRunner struct{}

func (inlineRunner) Submit(ctx context.Context, _ string, job pool.Job) error {
	_ = job(ctx)
	return nil
}

type fullRunner struct{}

func (fullRunner) Submit(context.Context, string, pool.Job) error { return pool.ErrPoolFull }

// --- fixture ---

type fixture struct {
	store *store.GormStore
	gen   *scriptedGenerator
	sink  *eventSink
	orch  *Orchestrator
	room  *types.Room
}

type fixtureOpts struct {
	cfg    config.OrchestratorConfig
	runner Runner
	skip   map[string]bool
	opts   []Option
}

func newFixture(t *testing.T, mutate func(*fixtureOpts)) *fixture {
	t.Helper()
	fo := &fixtureOpts{cfg: config.DefaultOrchestratorConfig(), runner: inlineRunner{}, skip: map[string]bool{}}
	if mutate != nil {
		mutate(fo)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orch.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))
	pm, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	st := store.NewGormStore(pm, zap.NewNop())

	ctx := context.Background()
	agents := []*types.Agent{
		{ID: "analyst-1", Role: types.RoleRequirementAnalyst},
		{ID: "coord-1", Role: types.RoleCoordinator},
		{ID: "worker-1", Role: types.RoleWorker},
		{ID: "eval-1", Role: types.RoleEvaluator},
		{ID: "eval-2", Role: types.RoleEvaluator},
		{ID: "eval-3", Role: types.RoleEvaluator},
	}
	for _, a := range agents {
		if fo.skip[a.ID] {
			continue
		}
		a.Name = a.ID
		a.IsActive, a.IsAvailable, a.MaxConcurrentTasks = true, true, 1
		require.NoError(t, st.UpsertAgent(ctx, a))
	}
	room := &types.Room{ID: uuid.NewString(), Name: "docs", OwnerID: "alice"}
	require.NoError(t, st.CreateRoom(ctx, room))

	gen := newScripted()
	sink := &eventSink{}
	dir := directory.New(st, zap.NewNop())
	led := ledger.New(st, nil, zap.NewNop())
	agg := evaluation.NewAggregator(gen, dir, st, led, zap.NewNop(), evaluation.WithCallTimeout(time.Second))
	orch := New(fo.cfg, Deps{
		Store:     st,
		Agents:    dir,
		Generator: gen,
		Ledger:    led,
		Evaluator: agg,
		Notifier:  notify.NewDispatcher(st, nil, zap.NewNop(), sink),
		Runner:    fo.runner,
	}, zap.NewNop(), fo.opts...)

	return &fixture{store: st, gen: gen, sink: sink, orch: orch, room: room}
}

func (f *fixture) create(t *testing.T, spec types.TaskSpec) *types.Task {
	t.Helper()
	if spec.Title == "" {
		spec.Title = "Summary"
	}
	if spec.Requirement == "" {
		spec.Requirement = "summarize document X"
	}
	task, err := f.orch.CreateTask(context.Background(), f.room.ID, "alice", spec)
	require.NoError(t, err)
	return f.reload(t, task.ID)
}

func (f *fixture) reload(t *testing.T, taskID string) *types.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

func (f *fixture) approve(t *testing.T, taskID string) *types.Task {
	t.Helper()
	_, err := f.orch.HandleRequirementFeedback(context.Background(), taskID, "alice", Feedback{Approved: true})
	require.NoError(t, err)
	return f.reload(t, taskID)
}

func (f *fixture) steps(t *testing.T, taskID string) []*types.Step {
	t.Helper()
	steps, err := f.store.ListSteps(context.Background(), taskID)
	require.NoError(t, err)
	return steps
}

func stepTypes(steps []*types.Step) []types.StepType {
	out := make([]types.StepType, len(steps))
	for i, s := range steps {
		out[i] = s.Type
	}
	return out
}

func (f *fixture) assertNoLoad(t *testing.T) {
	t.Helper()
	agents, err := f.store.ListAgents(context.Background(), store.AgentFilter{})
	require.NoError(t, err)
	for _, a := range agents {
		assert.Zero(t, a.CurrentLoad, "agent %s still holds a reservation", a.ID)
	}
}

func intPtr(v int) *int { return &v }

// --- scenarios ---

func TestOrchestrator_CreateTaskStopsForConfirmation(t *testing.T) {
	f := newFixture(t, nil)
	task := f.create(t, types.TaskSpec{})

	assert.Equal(t, types.StatusRequirementConfirmation, task.Status)
	assert.NotEmpty(t, task.AnalyzedRequirement)
	assert.Equal(t, "analyst-1", task.AnalystAgentID)
	assert.NotNil(t, task.StartedAt)
	assert.Equal(t, types.DefaultMaxRetries, task.MaxRetries)

	steps := f.steps(t, task.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, types.StepRequirementAnalysis, steps[0].Type)
	assert.Equal(t, types.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, 1, steps[0].Ordinal)
	assert.Equal(t, 3, steps[0].PromptTokens)

	assert.Len(t, f.sink.of(types.EventTaskCreated), 1)
	assert.Len(t, f.sink.of(types.EventTaskStarted), 1)
	analyzed := f.sink.of(types.EventRequirementAnalyzed)
	require.Len(t, analyzed, 1)
	assert.Equal(t, task.RoomID, analyzed[0].RoomID)

	asks := f.sink.messagesOf(types.MessageApprovalRequest)
	require.Len(t, asks, 1)
	assert.Equal(t, "alice", asks[0].RecipientID)
	assert.Equal(t, types.SenderSystem, asks[0].SenderType)

	assert.Contains(t, f.gen.promptsOf("analyst-1")[0], "summarize document X")
	f.assertNoLoad(t)
}

func TestOrchestrator_ApprovalRunsToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, "plan: read, extract, write", task.ExecutionPlan)
	assert.Equal(t, "coord-1", task.CoordinatorAgentID)
	assert.Equal(t, "worker-1", task.WorkAgentID)
	assert.Equal(t, "result v1", task.Result)
	require.NotNil(t, task.ApprovalRate)
	assert.Equal(t, 1.0, *task.ApprovalRate)
	assert.NotNil(t, task.CompletedAt)

	assert.Equal(t, []string{
		"pending", "requirement_analysis", "requirement_confirmation",
		"planning", "execution", "evaluation", "completed",
	}, f.sink.path())
	assert.Equal(t, []types.StepType{
		types.StepRequirementAnalysis, types.StepUserFeedback, types.StepPlanning, types.StepExecution,
		types.StepEvaluation, types.StepEvaluation, types.StepEvaluation,
	}, stepTypes(f.steps(t, task.ID)))

	done := f.sink.of(types.EventTaskCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 1.0, done[0].Data["approvalRate"])
	ms, ok := done[0].Data["durationMs"].(int64)
	require.True(t, ok)
	assert.InDelta(t, task.Duration().Milliseconds(), ms, 1)

	evals, err := f.store.ListEvaluations(context.Background(), task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, evals, 3)
	f.assertNoLoad(t)
}

func TestOrchestrator_BelowThresholdRevisesThenCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.set("eval-3", weak, pass)

	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "result v2", task.Result)

	revisions := f.sink.of(types.EventTaskRevision)
	require.Len(t, revisions, 1)
	assert.Equal(t, 1, revisions[0].Data["retryCount"])
	assert.InDelta(t, 2.0/3.0, revisions[0].Data["approvalRate"].(float64), 1e-9)

	assert.Equal(t, []string{
		"pending", "requirement_analysis", "requirement_confirmation",
		"planning", "execution", "evaluation", "revision", "execution", "evaluation", "completed",
	}, f.sink.path())

	prompts := f.gen.promptsOf("worker-1")
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "missing tests")
	assert.Contains(t, prompts[1], "missing tests")
	assert.Contains(t, prompts[1], "add tests")
	assert.Contains(t, prompts[1], "result v1")

	round1, err := f.store.ListEvaluations(context.Background(), task.ID, 1)
	require.NoError(t, err)
	assert.Len(t, round1, 3)
	rate, _, _ := evaluation.ApprovalRate(round1)
	assert.InDelta(t, 0.667, rate, 0.001)

	var executions []*types.Step
	for _, s := range f.steps(t, task.ID) {
		if s.Type == types.StepExecution {
			executions = append(executions, s)
		}
	}
	require.Len(t, executions, 2)
	assert.Equal(t, 0, executions[0].Attempt)
	assert.Equal(t, 1, executions[1].Attempt)
	for _, s := range f.steps(t, task.ID) {
		if s.Type == types.StepRevision {
			assert.Equal(t, "worker-1", s.AgentID)
		}
	}
	f.assertNoLoad(t)
}

func TestOrchestrator_RetriesExhaustedFails(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.set("eval-2", wrong)
	f.gen.set("eval-3", weak)

	task := f.create(t, types.TaskSpec{MaxRetries: intPtr(3)})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.LessOrEqual(t, task.RetryCount, task.MaxRetries)
	assert.Contains(t, task.Error, "after 3 revisions")

	failed := f.sink.of(types.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonRetriesExhausted, failed[0].Data["reason"])
	assert.Len(t, f.sink.of(types.EventTaskRevision), 3)

	steps := f.steps(t, task.ID)
	executions := 0
	for _, s := range steps {
		if s.Type == types.StepExecution {
			executions++
		}
	}
	assert.Equal(t, 4, executions)
	assert.Equal(t, types.StepEvaluation, steps[len(steps)-1].Type, "nothing runs after the last round")
	for i, s := range steps {
		assert.Equal(t, i+1, s.Ordinal)
	}

	errs := f.sink.messagesOf(types.MessageError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "exhausting")
	f.assertNoLoad(t)
}

func TestOrchestrator_UnparsableVerdictIsNotApproved(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"eval-1", "eval-2", "eval-3"} {
		f.gen.set(id, "Looks great to me, I'd score it 0.95!")
	}

	task := f.create(t, types.TaskSpec{MaxRetries: intPtr(0)})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	require.NotNil(t, task.ApprovalRate)
	assert.Zero(t, *task.ApprovalRate)

	evals, err := f.store.ListEvaluations(context.Background(), task.ID, 1)
	require.NoError(t, err)
	require.Len(t, evals, 3)
	for _, e := range evals {
		assert.Equal(t, types.EvaluationCompleted, e.Status)
		assert.Equal(t, types.ResultNeedsImprovement, e.Result)
		require.NotNil(t, e.Score)
		assert.Equal(t, 0.7, *e.Score)
		assert.False(t, e.IsApproved)
		assert.True(t, e.ParsedFromDefault)
	}
}

func TestOrchestrator_RejectionReanalyzes(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.set("analyst-1", "analysis v1", "analysis v2")
	task := f.create(t, types.TaskSpec{})

	_, err := f.orch.HandleRequirementFeedback(context.Background(), task.ID, "alice",
		Feedback{Approved: false, Comment: "also cover appendix B"})
	require.NoError(t, err)
	task = f.reload(t, task.ID)

	assert.Equal(t, types.StatusRequirementConfirmation, task.Status)
	assert.Equal(t, "analysis v2", task.AnalyzedRequirement)

	prompts := f.gen.promptsOf("analyst-1")
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "appendix B")
	assert.Contains(t, prompts[1], "appendix B")
	assert.Contains(t, prompts[1], "analysis v1")

	assert.Equal(t, []types.StepType{
		types.StepRequirementAnalysis, types.StepUserFeedback, types.StepRequirementAnalysis,
	}, stepTypes(f.steps(t, task.ID)))

	fb := f.sink.of(types.EventRequirementFeedback)
	require.Len(t, fb, 1)
	assert.Equal(t, false, fb[0].Data["approved"])
	feedbackMsgs := f.sink.messagesOf(types.MessageFeedback)
	require.Len(t, feedbackMsgs, 1)
	assert.Equal(t, types.SenderUser, feedbackMsgs[0].SenderType)

	// A rejection without a comment has nothing to work from.
	_, err = f.orch.HandleRequirementFeedback(context.Background(), task.ID, "alice", Feedback{})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestOrchestrator_FeedbackOutsideConfirmationIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)
	require.Equal(t, types.StatusCompleted, task.Status)
	before := len(f.steps(t, task.ID))

	_, err := f.orch.HandleRequirementFeedback(context.Background(), task.ID, "alice", Feedback{Approved: true})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	assert.Equal(t, types.StatusCompleted, f.reload(t, task.ID).Status)
	assert.Len(t, f.steps(t, task.ID), before)

	_, err = f.orch.HandleRequirementFeedback(context.Background(), "missing", "alice", Feedback{Approved: true})
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestOrchestrator_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	task := f.create(t, types.TaskSpec{})

	first, err := f.orch.CancelTask(context.Background(), task.ID, "alice")
	require.NoError(t, err)
	second, err := f.orch.CancelTask(context.Background(), task.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, types.StatusCancelled, first.Status)
	assert.Equal(t, first.Status, second.Status)
	require.NotNil(t, second.CompletedAt)
	assert.WithinDuration(t, *first.CompletedAt, *second.CompletedAt, time.Millisecond)
	assert.Len(t, f.sink.of(types.EventTaskCancelled), 1)

	_, err = f.orch.HandleRequirementFeedback(context.Background(), task.ID, "alice", Feedback{Approved: true})
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestOrchestrator_CancelFinishedTaskIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	task := f.create(t, types.TaskSpec{})
	f.approve(t, task.ID)

	_, err := f.orch.CancelTask(context.Background(), task.ID, "alice")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	assert.Empty(t, f.sink.of(types.EventTaskCancelled))
}

func TestOrchestrator_CancelDiscardsInFlightResult(t *testing.T) {
	p := pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 4})
	f := newFixture(t, func(o *fixtureOpts) { o.runner = p })
	gate := make(chan struct{})
	f.gen.mu.Lock()
	f.gen.block["worker-1"] = gate
	f.gen.mu.Unlock()

	task, err := f.orch.CreateTask(context.Background(), f.room.ID, "alice", types.TaskSpec{Title: "t", Requirement: "r"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.reload(t, task.ID).Status == types.StatusRequirementConfirmation
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.orch.HandleRequirementFeedback(context.Background(), task.ID, "alice", Feedback{Approved: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.gen.promptsOf("worker-1")) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = f.orch.CancelTask(context.Background(), task.ID, "alice")
	require.NoError(t, err)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	got := f.reload(t, task.ID)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Empty(t, got.Result, "late result is dropped")
	assert.Empty(t, f.gen.promptsOf("eval-1"))
	assert.Empty(t, f.sink.of(types.EventTaskFailed))
	f.assertNoLoad(t)
}

func TestOrchestrator_CancelDuringEvaluationDropsRound(t *testing.T) {
	p := pool.NewGoroutinePool(pool.GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 4})
	f := newFixture(t, func(o *fixtureOpts) { o.runner = p })
	f.gen.set("eval-2", wrong)
	f.gen.set("eval-3", weak)
	gate := make(chan struct{})
	f.gen.mu.Lock()
	f.gen.block["eval-1"] = gate
	f.gen.mu.Unlock()

	task, err := f.orch.CreateTask(context.Background(), f.room.ID, "alice", types.TaskSpec{Title: "t", Requirement: "r"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.reload(t, task.ID).Status == types.StatusRequirementConfirmation
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.orch.HandleRequirementFeedback(context.Background(), task.ID, "alice", Feedback{Approved: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.gen.promptsOf("eval-1")) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = f.orch.CancelTask(context.Background(), task.ID, "alice")
	require.NoError(t, err)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	got := f.reload(t, task.ID)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Nil(t, got.ApprovalRate)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, f.sink.of(types.EventEvaluationCompleted), "a cancelled round is not reported")
	assert.Empty(t, f.sink.of(types.EventTaskRevision))
	assert.Empty(t, f.sink.of(types.EventTaskFailed))
	assert.Len(t, f.sink.of(types.EventTaskCancelled), 1)
	f.assertNoLoad(t)
}

func TestOrchestrator_NoAgentFailsStage(t *testing.T) {
	f := newFixture(t, func(o *fixtureOpts) { o.skip["coord-1"] = true })
	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Contains(t, task.Error, string(types.ErrAgentUnavailable))

	steps := f.steps(t, task.ID)
	last := steps[len(steps)-1]
	assert.Equal(t, types.StepPlanning, last.Type)
	assert.Equal(t, types.StepStatusFailed, last.Status)
	assert.Empty(t, last.AgentID)

	failed := f.sink.of(types.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonStageFailed, failed[0].Data["reason"])
	assert.Equal(t, string(types.ErrAgentUnavailable), failed[0].Data["code"])
	assert.Equal(t, task.RoomID, failed[0].RoomID)

	// The failure handler is a no-op on terminal tasks.
	f.orch.fail(context.Background(), task, errors.New("again"), ReasonStageFailed, nil)
	assert.Len(t, f.sink.of(types.EventTaskFailed), 1)
}

func TestOrchestrator_NoEvaluatorRecordsFailedStep(t *testing.T) {
	f := newFixture(t, func(o *fixtureOpts) {
		for _, id := range []string{"eval-1", "eval-2", "eval-3"} {
			o.skip[id] = true
		}
	})
	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Contains(t, task.Error, string(types.ErrAgentUnavailable))

	steps := f.steps(t, task.ID)
	last := steps[len(steps)-1]
	assert.Equal(t, types.StepEvaluation, last.Type)
	assert.Equal(t, types.StepStatusFailed, last.Status)
	assert.Empty(t, last.AgentID)
	assert.Contains(t, last.Error, string(types.ErrAgentUnavailable))
	assert.Equal(t, len(steps), last.Ordinal)
	assert.Empty(t, f.sink.of(types.EventEvaluationCompleted))
}

func TestOrchestrator_MissingRoomRecordsFailedStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	task := &types.Task{
		ID: uuid.NewString(), RoomID: "gone", CreatorID: "alice", Title: "t",
		Requirement: "r", AnalyzedRequirement: "a",
		Status: types.StatusPlanning, MaxRetries: 3, Priority: types.PriorityNormal,
	}
	require.NoError(t, f.store.CreateTask(ctx, task))

	n, err := f.orch.Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.reload(t, task.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "load room gone")

	steps := f.steps(t, task.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, types.StepPlanning, steps[0].Type)
	assert.Equal(t, types.StepStatusFailed, steps[0].Status)
	assert.Contains(t, steps[0].Error, string(types.ErrNotFound))
	assert.Empty(t, f.gen.promptsOf("coord-1"))
}

func TestOrchestrator_GenerationErrorFailsStage(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.errs["worker-1"] = types.NewError(types.ErrGenerationFailed, "model overloaded")

	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, 0, task.RetryCount, "stage failures are not retried")
	steps := f.steps(t, task.ID)
	last := steps[len(steps)-1]
	assert.Equal(t, types.StepExecution, last.Type)
	assert.Equal(t, types.StepStatusFailed, last.Status)
	assert.Contains(t, last.Error, "model overloaded")
	assert.Len(t, f.gen.promptsOf("worker-1"), 1)
	f.assertNoLoad(t)
}

func TestOrchestrator_AllEvaluatorsFailIsStageFailure(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"eval-1", "eval-2", "eval-3"} {
		f.gen.errs[id] = errors.New("connection reset")
	}
	task := f.create(t, types.TaskSpec{})
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	failed := f.sink.of(types.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonStageFailed, failed[0].Data["reason"])
	assert.Empty(t, f.sink.of(types.EventEvaluationCompleted))
}

func TestOrchestrator_DeadlinePassed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *fixtureOpts) {
		o.opts = append(o.opts, WithClock(func() time.Time { return now }))
	})
	deadline := now.Add(-time.Minute)

	task := f.create(t, types.TaskSpec{Deadline: &deadline})
	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "deadline")
	assert.Empty(t, f.gen.promptsOf("analyst-1"))

	failed := f.sink.of(types.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonDeadline, failed[0].Data["reason"])
}

func TestOrchestrator_QueueFullFailsTask(t *testing.T) {
	f := newFixture(t, func(o *fixtureOpts) { o.runner = fullRunner{} })
	task := f.create(t, types.TaskSpec{})

	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "pipeline queue full")
	failed := f.sink.of(types.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonQueueFull, failed[0].Data["reason"])
}

func TestOrchestrator_RoomSettingsOverrideDefaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	room := &types.Room{ID: uuid.NewString(), Name: "strict", OwnerID: "alice", Settings: types.RoomSettings{
		EvaluationThreshold: 1.0,
		EvaluatorCount:      2,
		MaxRetries:          intPtr(0),
	}}
	require.NoError(t, f.store.CreateRoom(ctx, room))
	f.gen.set("eval-2", weak)

	task, err := f.orch.CreateTask(ctx, room.ID, "alice", types.TaskSpec{Title: "t", Requirement: "r"})
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetries)
	task = f.approve(t, task.ID)

	assert.Equal(t, types.StatusFailed, task.Status)
	evals, err := f.store.ListEvaluations(ctx, task.ID, 1)
	require.NoError(t, err)
	assert.Len(t, evals, 2)
	rounds := f.sink.of(types.EventEvaluationCompleted)
	require.Len(t, rounds, 1)
	assert.Equal(t, 1.0, rounds[0].Data["threshold"])
	assert.Equal(t, 0.5, rounds[0].Data["approvalRate"])
}

func TestOrchestrator_ResumeRedrivesInterruptedTasks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A task left in execution by a crash, with its step still open and the
	// worker's load never released.
	task := &types.Task{
		ID: uuid.NewString(), RoomID: f.room.ID, CreatorID: "alice", Title: "t",
		Requirement: "r", AnalyzedRequirement: "a", ExecutionPlan: "p",
		Status: types.StatusExecution, MaxRetries: 3, Priority: types.PriorityNormal,
	}
	require.NoError(t, f.store.CreateTask(ctx, task))
	open := &types.Step{ID: uuid.NewString(), TaskID: task.ID, Type: types.StepExecution, Status: types.StepStatusInProgress, AgentID: "worker-1"}
	require.NoError(t, f.store.AppendStep(ctx, open))
	ok, err := f.store.TryReserve(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	waiting := f.create(t, types.TaskSpec{})
	require.Equal(t, types.StatusRequirementConfirmation, waiting.Status)

	n, err := f.orch.Resume(ctx, ResumeOptions{ResetLoads: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tasks waiting on a user are left alone")

	got := f.reload(t, task.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	steps := f.steps(t, task.ID)
	assert.Equal(t, types.StepStatusFailed, steps[0].Status)
	assert.Equal(t, "interrupted by restart", steps[0].Error)
	assert.Equal(t, types.StepExecution, steps[1].Type)
	assert.Equal(t, types.StepStatusCompleted, steps[1].Status)

	assert.Equal(t, types.StatusRequirementConfirmation, f.reload(t, waiting.ID).Status)
	f.assertNoLoad(t)
}

func TestOrchestrator_CreateTaskValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.CreateTask(ctx, f.room.ID, "alice", types.TaskSpec{Title: "no requirement"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = f.orch.CreateTask(ctx, "no-such-room", "alice", types.TaskSpec{Title: "t", Requirement: "r"})
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = f.orch.StartExecution(ctx, f.create(t, types.TaskSpec{}).ID)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestPrompts_CarryContext(t *testing.T) {
	task := &types.Task{
		Title:               "Report",
		Requirement:         "summarize X",
		AnalyzedRequirement: "three bullets",
		ExecutionPlan:       "1. read",
		Result:              "draft",
		Specialization:      "legal",
		Params:              map[string]any{"lang": "en", "audience": "board"},
		RetryCount:          1,
	}

	exec := executionPrompt(task, "needs citations")
	assert.Contains(t, exec, "summarize X")
	assert.Contains(t, exec, "1. read")
	assert.Contains(t, exec, "needs citations")
	assert.Contains(t, exec, "Previous result (attempt 1)")
	assert.Less(t, strings.Index(exec, "audience"), strings.Index(exec, "lang"), "params are sorted")

	eval := evaluationPrompt(task)
	assert.Contains(t, eval, "draft")
	assert.Contains(t, eval, `"result"`)

	assert.NotContains(t, analysisPrompt(task, ""), "User feedback")
	assert.Contains(t, planningPrompt(task), "three bullets")
}
