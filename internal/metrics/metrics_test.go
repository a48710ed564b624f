package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGaugeLifecycle(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveConnections))
	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveConnections))
}

func TestLabeledCountersAcceptLabels(t *testing.T) {
	SessionEvents.WithLabelValues("MoveMade").Inc()
	SpectatorCount.WithLabelValues("session-1").Set(3)
	ChatMessagesTotal.WithLabelValues("text").Inc()
	RateLimitExceededTotal.WithLabelValues("burst").Inc()
}
