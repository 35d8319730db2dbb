package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestMetricsHandlerExportsInstruments(t *testing.T) {
	tel, err := Init()
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	counter, err := otel.Meter("codegraph.test").Int64Counter("telemetry_test_events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Regexp(t, `telemetry_test_events_total(\{[^}]*\})? 3`, string(body))
	assert.Contains(t, string(body), "go_goroutines")
}

func TestShutdownNil(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}
