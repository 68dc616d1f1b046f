package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracerProviderBuildsAndShutsDown(t *testing.T) {
	tp, err := NewTracerProvider("agent-test")
	require.NoError(t, err)
	require.NotNil(t, tp)

	tracer := tp.Tracer("observability-test")
	_, span := tracer.Start(context.Background(), "noop")
	span.End()

	assert.NoError(t, ShutdownTracerProvider(tp))
}
