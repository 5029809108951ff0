package condition_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/condition"
)

func boolCatalog() *condition.Catalog {
	return condition.NewCatalog([]condition.Variable{
		{Path: "a", Type: condition.TypeNumber, AllowedOperators: []condition.Operator{condition.OpEq, condition.OpGt, condition.OpGte}},
		{Path: "b", Type: condition.TypeNumber},
		{Path: "status", Type: condition.TypeString},
		{Path: "ready", Type: condition.TypeBoolean},
	})
}

func TestParseDslBasic(t *testing.T) {
	res, err := condition.ParseDsl("a > 1 && status == 'ready'", boolCatalog())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "status"}, res.Variables)

	out, err := condition.EvaluateCondition(res.JSONLogic, map[string]any{"a": 2.0, "status": "ready"})
	require.NoError(t, err)
	require.True(t, out.Result)

	out, err = condition.EvaluateCondition(res.JSONLogic, map[string]any{"a": 0.0, "status": "ready"})
	require.NoError(t, err)
	require.False(t, out.Result)
}

func TestParseDslEmptyExpression(t *testing.T) {
	_, err := condition.ParseDsl("   ", nil)
	var perr *condition.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, condition.ErrEmptyExpression, perr.Code)
}

func TestParseDslUnknownVariable(t *testing.T) {
	_, err := condition.ParseDsl("unknown == 1", boolCatalog())
	var perr *condition.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, condition.ErrUnknownVariable, perr.Code)
}

func TestParseDslOperatorNotAllowed(t *testing.T) {
	_, err := condition.ParseDsl("a < 1", boolCatalog())
	var perr *condition.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, condition.ErrOperatorNotAllowed, perr.Code)
}

func TestParseDslTypeMismatch(t *testing.T) {
	_, err := condition.ParseDsl("a == 'x'", boolCatalog())
	var perr *condition.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, condition.ErrTypeMismatch, perr.Code)
}

func TestParseDslNullEqualityExempt(t *testing.T) {
	_, err := condition.ParseDsl("status == null", boolCatalog())
	require.NoError(t, err)
}

func TestCanonicalAssociativity(t *testing.T) {
	res, err := condition.ParseDsl("a > 1 && a > 1 && ready", boolCatalog())
	require.NoError(t, err)
	require.Equal(t, "a > 1 && a > 1 && ready", res.Canonical)
}

func TestCanonicalParensElidedWhenRedundant(t *testing.T) {
	res, err := condition.ParseDsl("(a > 1 && ready) || ready", boolCatalog())
	require.NoError(t, err)
	require.Equal(t, "a > 1 && ready || ready", res.Canonical)
}

func TestCanonicalParensKeptWhenSignificant(t *testing.T) {
	res, err := condition.ParseDsl("a > 1 && (ready || ready)", boolCatalog())
	require.NoError(t, err)
	require.Equal(t, "a > 1 && (ready || ready)", res.Canonical)
}

func TestRoundTripDslAndJSONLogic(t *testing.T) {
	catalog := boolCatalog()
	exprs := []string{
		"a > 1 && status == 'ready'",
		"!ready || a >= 1",
		"status == null",
	}
	for _, expr := range exprs {
		first, err := condition.ParseDsl(expr, catalog)
		require.NoError(t, err)

		dsl, err := condition.ToDsl(first.JSONLogic, catalog)
		require.NoError(t, err)
		require.Equal(t, first.Canonical, dsl)

		second, err := condition.ParseDsl(first.Canonical, catalog)
		require.NoError(t, err)

		payload := map[string]any{"a": 2.0, "status": "ready", "ready": true}
		r1, err := condition.EvaluateCondition(first.JSONLogic, payload)
		require.NoError(t, err)
		r2, err := condition.EvaluateCondition(second.JSONLogic, payload)
		require.NoError(t, err)
		require.Equal(t, r1.Result, r2.Result)
	}
}

func TestEvaluateConditionUndefinedPath(t *testing.T) {
	res, err := condition.ParseDsl("missing.deep == null", nil)
	require.NoError(t, err)
	out, err := condition.EvaluateCondition(res.JSONLogic, map[string]any{})
	require.NoError(t, err)
	require.True(t, out.Result)
}
