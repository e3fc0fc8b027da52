package app

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRegistry_DispatchAccumulatesResponses(t *testing.T) {
	r := newHandlerRegistry()
	r.register("status", func(params []string) (string, error) { return "ok-1", nil })
	r.register("status", func(params []string) (string, error) { return "ok-2", nil })

	responses, err := r.dispatch("status", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok-1", "ok-2"}, responses)
}

func TestHandlerRegistry_DispatchUnknownNameIsEmpty(t *testing.T) {
	r := newHandlerRegistry()
	responses, err := r.dispatch("missing", nil)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestHandlerRegistry_DispatchJoinsErrorsAndKeepsSuccesses(t *testing.T) {
	r := newHandlerRegistry()
	r.register("cmd", func(params []string) (string, error) { return "", errors.New("boom") })
	r.register("cmd", func(params []string) (string, error) { return "fine", nil })

	responses, err := r.dispatch("cmd", []string{"a"})
	require.Error(t, err)
	assert.Equal(t, []string{"fine"}, responses)
}
