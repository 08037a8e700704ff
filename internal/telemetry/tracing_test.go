package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSampleRatioClamps(t *testing.T) {
	require.Equal(t, 1.0, sampleRatio(0))
	require.Equal(t, 1.0, sampleRatio(-2))
	require.Equal(t, 1.0, sampleRatio(3))
	require.Equal(t, 0.25, sampleRatio(0.25))
}
