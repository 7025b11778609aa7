package dbft

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordRound(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	h := newHarness(t, 4, WithMetrics(metrics))
	h.startAll(3, Hash{})
	h.pump()

	// The collectors are shared by all four services.
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.BlocksCommitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Height))
	assert.Greater(t, testutil.ToFloat64(metrics.MessagesReceived.WithLabelValues("PrepareResponse")), 0.0)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.CommitLatency))

	bad := h.signed(1, 99, 0, &RecoveryRequest{}, Hash{})
	assert.Error(t, h.services[0].ProcessMessage(bad))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesRejected.WithLabelValues("wrong_block")))

	_, err = NewMetrics(reg)
	assert.True(t, errors.Is(err, ErrConfig), "duplicate registration")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.messageReceived(CommitType)
	m.messageRejected(ErrWrongView)
	m.viewChanged(1)
	m.roundStarted(1, 0)
	m.blockCommitted(10)
	m.recoveryRequested()
	m.recoverySent()
}

func TestRejectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{wrapKindf(ErrWrongBlock, "x"), "wrong_block"},
		{wrapKindf(ErrWrongView, "x"), "wrong_view"},
		{ErrInvalidValidatorIndex, "invalid_validator_index"},
		{ErrSignatureVerificationFailed, "bad_signature"},
		{ErrAlreadyReceived, "already_received"},
		{ErrInvalidPrimary, "byzantine"},
		{wrapInvalidMessage("x"), "invalid"},
		{ErrNotRunning, "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rejectReason(tt.err), "%v", tt.err)
	}
}
