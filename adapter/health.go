// Package adapter connects the fabric to external monitoring surfaces.
package adapter

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmrpc/pkg/rpc"
)

// errTooManyPending marks a client whose in-flight backlog crossed the
// configured ceiling.
var errTooManyPending = errors.New("adapter: pending call backlog too high")

// Health exposes liveness and readiness of fabric endpoints over the
// standard healthcheck HTTP handler.
type Health struct {
	handler healthcheck.Handler
}

// NewHealth returns an empty health surface. Register endpoints, then mount
// Handler on an HTTP mux.
func NewHealth() *Health {
	return &Health{handler: healthcheck.NewHandler()}
}

// Handler is the HTTP handler serving /live and /ready.
func (h *Health) Handler() http.Handler {
	return h.handler
}

// WatchService marks readiness down when the service has stopped serving.
func (h *Health) WatchService(name string, svc *rpc.Service) {
	h.handler.AddReadinessCheck("service-"+name, func() error {
		if !svc.IsRunning() {
			return fmt.Errorf("adapter: service %s not serving", name)
		}
		return nil
	})
}

// WatchClient marks readiness down when the client lost its connection or
// when more than maxPending calls are awaiting responses. maxPending <= 0
// disables the backlog check.
func (h *Health) WatchClient(name string, c *rpc.Client, maxPending int) {
	h.handler.AddReadinessCheck("client-"+name, func() error {
		if !c.Connected() {
			return fmt.Errorf("adapter: client %s disconnected", name)
		}
		if maxPending > 0 && c.PendingCalls() > maxPending {
			return errTooManyPending
		}
		return nil
	})
}

// AddLivenessCheck forwards an arbitrary liveness probe.
func (h *Health) AddLivenessCheck(name string, check func() error) {
	h.handler.AddLivenessCheck(name, check)
}
