package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	cases := []struct {
		expr string
		vars map[string]interface{}
		want bool
	}{
		{"price < 30000.0", map[string]interface{}{"price": 29000.0}, true},
		{"price < 30000.0", map[string]interface{}{"price": 31000.0}, false},
		{"rsi < 30.0 && price > sma", map[string]interface{}{"rsi": 25.0, "price": 10.0, "sma": 9.0}, true},
		{"change_pct <= -5.0", map[string]interface{}{"change_pct": -7.5}, true},
		{"volume_ratio > 2.0", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ev.Evaluate(tc.expr, tc.vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	assert.NoError(t, ev.Validate("price > ema"))
	assert.Error(t, ev.Validate("price +"))
	assert.Error(t, ev.Validate("price * 2.0"))
	assert.Error(t, ev.Validate("unknown_var > 1.0"))
}

func TestProgramCache(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	_, err = ev.Evaluate("price > 1.0", map[string]interface{}{"price": 2.0})
	require.NoError(t, err)
	_, err = ev.Evaluate("price > 1.0", map[string]interface{}{"price": 0.5})
	require.NoError(t, err)
	assert.Len(t, ev.cache, 1)
}
