package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), "offsync-test", "")
	require.NoError(t, err)
	assert.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_WithEndpoint(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), "offsync-test", "http://127.0.0.1:4318")
	require.NoError(t, err)
	assert.NotNil(t, tp)

	_, span := tp.Tracer("test").Start(context.Background(), "probe")
	span.End()

	// Nothing listens on the endpoint; shutdown must still return.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
