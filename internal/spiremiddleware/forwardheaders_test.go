package spiremiddleware

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForwardHeadersStampsRequestIDWhenAbsent(t *testing.T) {
	m := ForwardHeadersMiddleware{}
	req := httptest.NewRequest("GET", "/", nil)

	_, err := m.OnRequest(&Context{ClientIP: "10.0.0.5"}, req)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", req.Header.Get("X-Real-IP"))
	require.Equal(t, "10.0.0.5", req.Header.Get("X-Forwarded-For"))
	require.NotEmpty(t, req.Header.Get("X-Request-Id"))
}

func TestForwardHeadersPreservesExistingRequestID(t *testing.T) {
	m := ForwardHeadersMiddleware{}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "already-set")
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	_, err := m.OnRequest(&Context{ClientIP: "10.0.0.5"}, req)
	require.NoError(t, err)
	require.Equal(t, "already-set", req.Header.Get("X-Request-Id"))
	require.Equal(t, "1.2.3.4, 10.0.0.5", req.Header.Get("X-Forwarded-For"))
}
