package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistered(t *testing.T) {
	// Calling Register twice must not panic.
	Register()
	Register()

	WebhooksTotal.WithLabelValues("ObjectCreated:Put", "success").Inc()
	EventsDispatchedTotal.WithLabelValues("ObjectCreated:Put", "success").Inc()
}

func TestSetPoolStatus(t *testing.T) {
	SetPoolStatus("s3_test", "us-east-1", "https", PoolStatus{
		BusySockets:     3,
		FreeSockets:     2,
		PendingRequests: 1,
		SocketErrors:    4,
		TimeoutErrors:   5,
		ConnectErrors:   6,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(HTTPPoolSockets.WithLabelValues("s3_test", "us-east-1", "https")))
	assert.Equal(t, 2.0, testutil.ToFloat64(HTTPPoolFreeSockets.WithLabelValues("s3_test", "us-east-1", "https")))
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPPoolPendingRequests.WithLabelValues("s3_test", "us-east-1", "https")))
	assert.Equal(t, 4.0, testutil.ToFloat64(HTTPPoolErrors.WithLabelValues("s3_test", "us-east-1", "socket_error", "https")))
	assert.Equal(t, 5.0, testutil.ToFloat64(HTTPPoolErrors.WithLabelValues("s3_test", "us-east-1", "timeout_socket_error", "https")))
	assert.Equal(t, 6.0, testutil.ToFloat64(HTTPPoolErrors.WithLabelValues("s3_test", "us-east-1", "create_socket_error", "https")))
}

func TestObserveBackendOperation(t *testing.T) {
	before := testutil.ToFloat64(BackendOperationsTotal.WithLabelValues("HeadObject_test", "error"))
	ObserveBackendOperation("HeadObject_test", time.Now(), errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(BackendOperationsTotal.WithLabelValues("HeadObject_test", "error")))
}
