package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinelink/extsource/pkg/errors"
)

func TestInterpolateStringSubstitution(t *testing.T) {
	params := map[string]any{
		"host":       "data.example.com",
		"machine_id": "mill-3",
	}

	out, err := InterpolateString("https://{host}/machines/{machine_id}", params)
	require.NoError(t, err)
	assert.Equal(t, "https://data.example.com/machines/mill-3", out)
}

func TestInterpolateStringEscapes(t *testing.T) {
	out, err := InterpolateString("{{literal}} and {value}", map[string]any{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, "{literal} and x", out)
}

func TestInterpolateStringNoPlaceholders(t *testing.T) {
	out, err := InterpolateString("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestInterpolateStringExpressions(t *testing.T) {
	params := map[string]any{
		"request": map[string]any{"zone": "B"},
		"keys":    map[string]any{"b": "found"},
	}

	out, err := InterpolateString("{keys[lower(request.zone)]}", params)
	require.NoError(t, err)
	assert.Equal(t, "found", out)
}

func TestInterpolateStringMissingKey(t *testing.T) {
	_, err := InterpolateString("{missing}", map[string]any{"present": 1})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePattern))
	assert.Contains(t, err.Error(), `"missing"`)
	assert.Contains(t, err.Error(), "[present]")
}

func TestInterpolateStringMalformed(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"unbalanced open", "prefix {unclosed"},
		{"empty placeholder", "prefix {} suffix"},
		{"single close", "prefix } suffix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := InterpolateString(tc.value, map[string]any{"unclosed": 1})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypePattern))
		})
	}
}

func TestInterpolateStringifiesResults(t *testing.T) {
	when := time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)
	out, err := InterpolateString("start={start_time}", map[string]any{"start_time": when})
	require.NoError(t, err)
	assert.Equal(t, "start=2023-04-01T10:00:00Z", out)
}

func TestInterpolateTreeErrorsCarryKeyPath(t *testing.T) {
	s, err := New(map[string]any{
		"request": map[string]any{"url": "https://{host}/x"},
	})
	require.NoError(t, err)

	_, err = s.Interpolate(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `["request"]`)
	assert.Contains(t, err.Error(), `["url"]`)
}

func TestInterpolateSkipsMarkedSubtrees(t *testing.T) {
	s, err := New(map[string]any{
		"request": map[string]any{"url": "https://{host}/x"},
		"result": map[string]any{
			"_interpolate": false,
			"value":        "{raw_value}",
		},
	})
	require.NoError(t, err)

	out, err := s.Interpolate(map[string]any{"host": "h"})
	require.NoError(t, err)

	request := out["request"].(map[string]any)
	assert.Equal(t, "https://h/x", request["url"])

	// The marked subtree is copied verbatim, placeholders intact, for
	// interpolation against response data later.
	result := out["result"].(map[string]any)
	assert.Equal(t, "{raw_value}", result["value"])
	_, hasMarker := result["_interpolate"]
	assert.False(t, hasMarker)
}

func TestInterpolateMarkerOverrideInNestedTree(t *testing.T) {
	s, err := New(map[string]any{
		"result": map[string]any{
			"_interpolate": false,
			"verbatim":     "{later}",
			"eager": map[string]any{
				"_interpolate": true,
				"value":        "{now_param}",
			},
		},
	})
	require.NoError(t, err)

	out, err := s.Interpolate(map[string]any{"now_param": "3"})
	require.NoError(t, err)

	result := out["result"].(map[string]any)
	assert.Equal(t, "{later}", result["verbatim"])
	assert.Equal(t, "3", result["eager"].(map[string]any)["value"])
}

type staticDeferred struct {
	value any
	err   error
	seen  map[string]any
}

func (d *staticDeferred) Process(params map[string]any) (any, error) {
	d.seen = params
	return d.value, d.err
}

func TestInterpolateRunsDeferredValues(t *testing.T) {
	deferred := &staticDeferred{value: int64(42)}
	s := Settings{
		"field": Settings{ProcessKey: deferred},
	}

	out, err := s.Interpolate(map[string]any{"input": "7"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["field"])
	assert.Equal(t, "7", deferred.seen["input"])
}

func TestInterpolateKeepsDeferredInVerbatimSubtree(t *testing.T) {
	deferred := &staticDeferred{value: "late"}
	s := Settings{
		"result": Settings{
			InterpolateKey: false,
			"value":        Settings{ProcessKey: deferred},
		},
	}

	out, err := s.Interpolate(nil)
	require.NoError(t, err)

	result := out["result"].(map[string]any)
	tree, ok := result["value"].(map[string]any)
	require.True(t, ok)
	assert.Same(t, deferred, tree[ProcessKey].(*staticDeferred))

	// Second phase: the copied subtree now runs against response data.
	processed, err := InterpolateMap(result, map[string]any{"data": 1})
	require.NoError(t, err)
	assert.Equal(t, "late", processed["value"])
}

func TestEvalHelpers(t *testing.T) {
	out, err := Eval(`duration("01:30:00")`, nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, out)

	out, err = Eval(`timestamp("2023-04-01T10:00:00Z")`, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC), out.(time.Time).UTC())

	out, err = Eval(`seconds(90)`, nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, out)
}

func TestEvalUndefinedNameListsValidKeys(t *testing.T) {
	_, err := Eval("nope + 1", map[string]any{"b_key": 1, "a_key": 2})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpression))
	assert.Contains(t, err.Error(), `"nope"`)
	assert.Contains(t, err.Error(), "[a_key, b_key]")
}

func TestEvalHidesInternalParams(t *testing.T) {
	_, err := Eval("_secret", map[string]any{"_secret": 1, "visible": 2})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpression))
}
