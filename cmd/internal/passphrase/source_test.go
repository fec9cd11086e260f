package passphrase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}
}

func TestSourcePrefersEnvironment(t *testing.T) {
	prompted := false
	src := NewSource("PASS", WithLookup(env(map[string]string{"PASS": "hunter2"})), WithPrompt(func() (string, error) {
		prompted = true
		return "", nil
	}))
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
	require.False(t, prompted)
}

func TestSourceRejectsEmptyUnlessAllowed(t *testing.T) {
	_, err := NewSource("PASS", WithLookup(env(map[string]string{"PASS": " "}))).Get()
	require.Error(t, err)

	value, err := NewSource("PASS", AllowEmpty(), WithLookup(env(map[string]string{"PASS": ""}))).Get()
	require.NoError(t, err)
	require.Empty(t, value)

	value, err = NewSource("PASS", AllowEmpty(), WithLookup(env(nil))).Get()
	require.NoError(t, err)
	require.Empty(t, value)
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	calls := 0
	src := NewSource("PASS", WithLookup(env(nil)), WithPrompt(func() (string, error) {
		calls++
		return "typed", nil
	}))
	for i := 0; i < 3; i++ {
		value, err := src.Get()
		require.NoError(t, err)
		require.Equal(t, "typed", value)
	}
	require.Equal(t, 1, calls)
}

func TestSourcePromptFailure(t *testing.T) {
	src := NewSource("PASS", WithLookup(env(nil)), WithPrompt(func() (string, error) {
		return "", errors.New("no terminal available")
	}))
	_, err := src.Get()
	require.ErrorContains(t, err, "set PASS")

	blank := NewSource("", WithPrompt(func() (string, error) { return "  ", nil }))
	_, err = blank.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
