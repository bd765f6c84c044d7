package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Record requests with high cardinality paths (blob ids under a channel)
	m.RecordHTTPRequest(context.Background(), "GET", "/pickup/conversations/blob1", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/pickup/conversations/blob2", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/pickup/mirror/blob1", http.StatusOK, time.Millisecond, 100)

	countConversations := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/pickup/*", "OK"))
	assert.Equal(t, 3.0, countConversations)
}

func TestRecordRelayOperation_DisableChannelLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableChannelLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordRelayOperation(context.Background(), "drop", "conversations", time.Millisecond)
	m.RecordRelayOperation(context.Background(), "drop", "mirror", time.Millisecond)

	count := testutil.ToFloat64(m.relayOperationsTotal.WithLabelValues("drop", "*"))
	assert.Equal(t, 2.0, count)
}

func TestRecordRelayError_DisableChannelLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{EnableChannelLabel: false}
	m := newMetricsWithRegistry(reg, cfg)

	m.RecordRelayError("pickup", "conversations", "not_found")
	m.RecordRelayError("pickup", "mirror", "not_found")

	count := testutil.ToFloat64(m.relayOperationErrors.WithLabelValues("pickup", "*", "not_found"))
	assert.Equal(t, 2.0, count)
}
