package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentroom/types"
)

// memSteps mimics the store: ordinals come from max+1 per task.
type memSteps struct {
	mu    sync.Mutex
	steps map[string][]*types.Step
	byID  map[string]*types.Step
}

func newMemSteps() *memSteps {
	return &memSteps{steps: map[string][]*types.Step{}, byID: map[string]*types.Step{}}
}

func (m *memSteps) AppendStep(_ context.Context, s *types.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Ordinal = len(m.steps[s.TaskID]) + 1
	cp := *s
	m.steps[s.TaskID] = append(m.steps[s.TaskID], &cp)
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSteps) UpdateStep(_ context.Context, s *types.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[s.ID]
	if !ok {
		return errors.New("not found")
	}
	*stored = *s
	return nil
}

func (m *memSteps) ListSteps(_ context.Context, taskID string) ([]*types.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*types.Step(nil), m.steps[taskID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestLedger_BeginComplete(t *testing.T) {
	mem := newMemSteps()
	l := New(mem, fixedClock(), nil)
	ctx := context.Background()

	step, err := l.Begin(ctx, "t1", types.StepRequirementAnalysis, "analyst", 0, "prompt")
	require.NoError(t, err)
	assert.Equal(t, 1, step.Ordinal)
	assert.Equal(t, types.StepStatusInProgress, step.Status)
	require.NotNil(t, step.StartedAt)

	require.NoError(t, l.Complete(ctx, step, "analysis", types.TokenUsage{PromptTokens: 10, CompletionTokens: 5}))
	assert.Equal(t, types.StepStatusCompleted, step.Status)
	assert.Equal(t, time.Second, step.Duration())

	err = l.Fail(ctx, step, errors.New("late"))
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition), "terminal steps are immutable")

	steps, err := l.Steps(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "analysis", steps[0].Output)
	assert.Equal(t, 10, steps[0].PromptTokens)
}

func TestLedger_FailAndRecord(t *testing.T) {
	mem := newMemSteps()
	l := New(mem, fixedClock(), nil)
	ctx := context.Background()

	step, err := l.Begin(ctx, "t1", types.StepExecution, "worker", 1, "plan")
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, step, errors.New("upstream timeout")))
	assert.Equal(t, "upstream timeout", step.Error)

	fb, err := l.Record(ctx, "t1", types.StepUserFeedback, "", types.StepStatusCompleted, "please add tests", "")
	require.NoError(t, err)
	assert.Equal(t, 2, fb.Ordinal)
	assert.Empty(t, fb.AgentID)

	_, err = l.Record(ctx, "t1", types.StepRevision, "", types.StepStatusCompleted, "feedback", "revision 1 of 3")
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest), "revisions belong to a worker")
	rev, err := l.Record(ctx, "t1", types.StepRevision, "worker", types.StepStatusCompleted, "feedback", "revision 1 of 3")
	require.NoError(t, err)
	assert.Equal(t, 3, rev.Ordinal)
	assert.Equal(t, "worker", rev.AgentID)

	_, err = l.Begin(ctx, "t1", types.StepPlanning, "", 0, "x")
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest), "agent stages need an agent")

	miss, err := l.RecordFailure(ctx, "t1", types.StepPlanning, "analysis", errors.New("no coordinator"))
	require.NoError(t, err)
	assert.Equal(t, 4, miss.Ordinal)
	assert.Equal(t, types.StepStatusFailed, miss.Status)
	assert.Equal(t, "no coordinator", miss.Error)
	assert.Empty(t, miss.AgentID)
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	mem := newMemSteps()
	l := New(mem, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Begin(ctx, "t1", types.StepEvaluation, "e", 0, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	steps, err := l.Steps(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, steps, 30)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Ordinal)
	}
	assert.Empty(t, l.locks, "task locks are dropped when idle")
}

func TestProperty_OrdinalsStrictlyIncrease(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("each task sees 1..n", prop.ForAll(
		func(tasks []int) bool {
			mem := newMemSteps()
			l := New(mem, nil, nil)
			ctx := context.Background()
			want := map[string]int{}
			for _, n := range tasks {
				id := string(rune('a' + n))
				want[id]++
				s, err := l.Record(ctx, id, types.StepUserFeedback, "", types.StepStatusCompleted, "", "approved")
				if err != nil || s.Ordinal != want[id] {
					return false
				}
			}
			for id, n := range want {
				steps, _ := l.Steps(ctx, id)
				if len(steps) != n {
					return false
				}
				for i, s := range steps {
					if s.Ordinal != i+1 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
