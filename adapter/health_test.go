//go:build linux

package adapter

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srediag/shmrpc/pkg/rpc"
)

func probe(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestServiceReadiness(t *testing.T) {
	name := fmt.Sprintf("adapter_test_%d", os.Getpid())
	svc, err := rpc.NewService(name, nil)
	assert.NoError(t, err)
	svc.Start()

	h := NewHealth()
	h.WatchService(name, svc)

	assert.Equal(t, http.StatusOK, probe(t, h.Handler(), "/ready"))

	svc.Stop()
	assert.Equal(t, http.StatusServiceUnavailable, probe(t, h.Handler(), "/ready"))
}

func TestClientReadiness(t *testing.T) {
	name := fmt.Sprintf("adapter_test_c_%d", os.Getpid())
	svc, err := rpc.NewService(name, nil)
	assert.NoError(t, err)
	svc.Start()
	defer svc.Stop()

	c, err := rpc.Connect(name, nil)
	assert.NoError(t, err)

	h := NewHealth()
	h.WatchClient(name, c, 10)
	assert.Equal(t, http.StatusOK, probe(t, h.Handler(), "/ready"))

	c.Disconnect()
	assert.Equal(t, http.StatusServiceUnavailable, probe(t, h.Handler(), "/ready"))
}

func TestLivenessCheckForwarded(t *testing.T) {
	h := NewHealth()
	h.AddLivenessCheck("always-up", func() error { return nil })
	assert.Equal(t, http.StatusOK, probe(t, h.Handler(), "/live"))
}
