package admission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

type fakeExecutions struct {
	mu      sync.Mutex
	running map[string]bool
	err     error
}

func newFakeExecutions(running ...string) *fakeExecutions {
	f := &fakeExecutions{running: make(map[string]bool)}
	for _, id := range running {
		f.running[id] = true
	}
	return f
}

func (f *fakeExecutions) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func (f *fakeExecutions) TryRegister(limit int, id, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if len(f.running) >= limit {
		return false, nil
	}
	f.running[id] = true
	return true, nil
}

func TestCanStartProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	modes := gen.OneConstOf(ModeAutomatic, ModeManual, ModeSelective)
	properties.Property("CanStart iff running < limit, limit 3 automatic else 1", prop.ForAll(
		func(mode ValidationMode, running int) bool {
			execs := newFakeExecutions()
			for i := range running {
				execs.running[string(rune('a'+i))] = true
			}
			c, err := New(Options{Modes: NewModeStore(mode), Executions: execs})
			if err != nil {
				return false
			}
			want := 1
			if mode == ModeAutomatic {
				want = 3
			}
			return c.MaxConcurrent() == want && c.CanStart() == (running < want)
		},
		modes,
		gen.IntRange(0, 6),
	))
	properties.TestingRun(t)
}

func TestManualModeRejectsThirdWorkflow(t *testing.T) {
	execs := newFakeExecutions("wf-1")
	c, err := New(Options{Modes: NewModeStore(ModeManual), Executions: execs})
	require.NoError(t, err)
	require.False(t, c.CanStart())

	ok, err := c.Admit(context.Background(), "wf-3", "agent", "third")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, execs.RunningCount())
}

func TestModeChangeUpdatesLimit(t *testing.T) {
	modes := NewModeStore(ModeSelective)
	execs := newFakeExecutions("wf-1")
	c, err := New(Options{Modes: modes, Executions: execs})
	require.NoError(t, err)
	require.Equal(t, 1, c.MaxConcurrent())
	require.False(t, c.CanStart())

	modes.Set(ModeAutomatic)
	require.Equal(t, 3, c.MaxConcurrent())
	require.True(t, c.CanStart())

	ok, err := c.Admit(context.Background(), "wf-2", "agent", "second")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, execs.RunningCount())
}

func TestCustomPolicy(t *testing.T) {
	c, err := New(Options{
		Modes:      NewModeStore(ModeManual),
		Executions: newFakeExecutions(),
		Policy:     Policy{AutomaticLimit: 8, SupervisedLimit: 2},
	})
	require.NoError(t, err)
	require.Equal(t, 2, c.MaxConcurrent())

	_, err = New(Options{
		Modes:      NewModeStore(ModeManual),
		Executions: newFakeExecutions(),
		Policy:     Policy{AutomaticLimit: -1},
	})
	require.Error(t, err)
}

func TestAdmitPropagatesRegistryErrors(t *testing.T) {
	execs := newFakeExecutions()
	execs.err = errors.New("invalid id")
	c, err := New(Options{Modes: NewModeStore(ModeAutomatic), Executions: execs})
	require.NoError(t, err)
	_, err = c.Admit(context.Background(), "", "agent", "x")
	require.ErrorIs(t, err, execs.err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("selective")
	require.NoError(t, err)
	require.Equal(t, ModeSelective, m)
	_, err = ParseMode("yolo")
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Executions: newFakeExecutions()})
	require.Error(t, err)
	_, err = New(Options{Modes: NewModeStore(ModeManual)})
	require.Error(t, err)
}
