package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestNewResourceCarriesTaskbridgeAttributes(t *testing.T) {
	res, err := newResource(Config{
		ServiceName: "taskd",
		Environment: "staging",
		ChainID:     31337,
		Signer:      "0x00000000000000000000000000000000000000aa",
	})
	require.NoError(t, err)
	set := res.Set()

	name, ok := set.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, "taskd", name.AsString())
	env, ok := set.Value(semconv.DeploymentEnvironmentKey)
	require.True(t, ok)
	require.Equal(t, "staging", env.AsString())
	chain, ok := set.Value(ChainIDKey)
	require.True(t, ok)
	require.Equal(t, int64(31337), chain.AsInt64())
	_, ok = set.Value(SignerKey)
	require.True(t, ok)

	bare, err := newResource(Config{ServiceName: "orphan-scan"})
	require.NoError(t, err)
	_, ok = bare.Set().Value(ChainIDKey)
	require.False(t, ok)
}

func TestSamplerFollowsRatio(t *testing.T) {
	require.Contains(t, sampler(0).Description(), "root:AlwaysOnSampler")
	require.Contains(t, sampler(1).Description(), "root:AlwaysOnSampler")
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestInitDisabledIsNoop(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "taskd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "ops"}, ParseHeaders(" api-key = abc ,tenant=ops,=skip,novalue"))
	require.Empty(t, ParseHeaders(""))
}
