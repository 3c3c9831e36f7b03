package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"transient", Transient("x", "timeout", nil), KindTransient},
		{"wrapped rejected", fmt.Errorf("submit: %w", Rejected("x", "insufficient", nil)), KindRejected},
		{"breaker", BreakerOpen("x"), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unclassified", errors.New("boom"), KindFatal},
		{"step", &StepError{Step: 2, Completed: 1, Err: Rejected("y", "failed", nil)}, KindRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestBreakerOpenIsRetryable(t *testing.T) {
	err := BreakerOpen("venue")
	assert.True(t, IsRetryable(err))
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, IsRetryable(Fatal("venue", "auth", nil)))
}

type namedRouter struct {
	Router
	name string
}

func (n namedRouter) Name() string { return n.name }

func TestRegistryPriority(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Register(namedRouter{name: "a"}))
	assert.NoError(t, reg.Register(namedRouter{name: "b"}))
	assert.Error(t, reg.Register(namedRouter{name: "a"}))

	assert.Equal(t, 0, reg.Priority("a"))
	assert.Equal(t, 1, reg.Priority("b"))
	assert.Equal(t, 2, reg.Priority("missing"))

	routers := reg.Routers()
	assert.Len(t, routers, 2)
	assert.Equal(t, "b", routers[1].Name())
}
