package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/stream"
)

func TestBudgetErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("loop: %w", &BudgetError{Budget: 3})
	require.ErrorIs(t, err, ErrStepBudgetExhausted)
	require.EqualError(t, err, "loop: step budget of 3 steps exhausted")
	require.False(t, IsInfrastructure(err))
}

func TestInfrastructureMarking(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := fmt.Errorf("run: %w", Infrastructure(base))
	require.True(t, IsInfrastructure(err))
	require.ErrorIs(t, err, base)
	require.Nil(t, Infrastructure(nil))
}

func TestToEvent(t *testing.T) {
	require.Equal(t,
		stream.ToolStart{CallID: "c1", Name: "run_sql", Input: json.RawMessage(`{}`), Query: "select 1"},
		ToEvent(ToolStart{CallID: "c1", Name: "run_sql", Input: json.RawMessage(`{}`), Query: "select 1"}))
	require.Equal(t,
		stream.ToolEnd{CallID: "c1", Name: "run_sql", Error: "x", DurationMS: 1500},
		ToEvent(ToolEnd{CallID: "c1", Name: "run_sql", Error: "x", Duration: 1500 * time.Millisecond}))
	items := []stream.TodoItem{{Content: "a", Status: "pending"}}
	require.Equal(t, stream.TodoUpdate{Items: items}, ToEvent(TodoUpdate{Items: items}))
	require.Nil(t, ToEvent(Fragment{Text: "x"}))
	require.Nil(t, ToEvent(Final{Answer: "x"}))
}
