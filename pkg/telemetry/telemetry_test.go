package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer

	shutdown, err := InitTracer("xmppwebhook-test", &buf, nil)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "outgoing-call")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "outgoing-call")
	require.Contains(t, buf.String(), "xmppwebhook-test")
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop(context.Background()))
}
