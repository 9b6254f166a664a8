package gates_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/gates"
)

func TestConditionEval(t *testing.T) {
	ev, err := gates.NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := ev.Eval(`state["build_status"] == "green"`, map[string]any{
		"state": map[string]any{"build_status": "green"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Eval(`state["build_status"] == "green"`, map[string]any{
		"state": map[string]any{"build_status": "red"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionIterationVariable(t *testing.T) {
	ev, err := gates.NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := ev.Eval(`iteration >= 2`, map[string]any{"iteration": 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionDefaultsEmptyInput(t *testing.T) {
	ev, err := gates.NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := ev.Eval(`iteration == 0 && size(state) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionCompileErrorFailsClosed(t *testing.T) {
	ev, err := gates.NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := ev.Eval(`this is not CEL`, nil)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestConditionNonBooleanResultIsError(t *testing.T) {
	ev, err := gates.NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := ev.Eval(`iteration + 1`, nil)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestConditionCheck(t *testing.T) {
	ev, err := gates.NewConditionEvaluator()
	require.NoError(t, err)

	assert.NoError(t, ev.Check(`outputs["verdict"] == "pass"`))
	assert.Error(t, ev.Check(`][`))
}
