package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. If any probe exceeds this deadline, the health check returns
// 503 Service Unavailable.
const healthCheckTimeout = 2 * time.Second

// HealthProbe defines the interface for a subsystem health check. Each probe
// represents a critical dependency (Postgres, Redis, SQS) that must be
// operational for the service to function correctly.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe
	// (e.g., "database", "redis", "sqs").
	Name() string

	// Check performs the health check against the subsystem. It should
	// respect the context deadline and return an error if the subsystem is
	// unhealthy or unreachable.
	Check(ctx context.Context) error
}

// ProbeFunc adapts a named function to the HealthProbe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a
// short timeout. Returns 200 OK if all probes report healthy, 503 Service
// Unavailable if any critical subsystem fails or the deadline is exceeded.
//
// This endpoint is public (no authentication required) and is mounted at
// GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var mu sync.Mutex
	results := make(map[string]error, len(probes))

	g, gctx := errgroup.WithContext(ctx)
	for _, probe := range probes {
		g.Go(func() error {
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = probe.Check(gctx)
			}()

			mu.Lock()
			results[probe.Name()] = err
			mu.Unlock()
			// Probe failures are reported per-component, not as a group
			// error, so every probe runs to completion.
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]componentStatus, len(probes))
	allHealthy := true

	mu.Lock()
	for _, probe := range probes {
		name := probe.Name()
		err, completed := results[name]
		switch {
		case !completed:
			allHealthy = false
			components[name] = componentStatus{
				Status:  "unhealthy",
				Message: "health check timed out",
			}
		case err != nil:
			allHealthy = false
			components[name] = componentStatus{
				Status:  "unhealthy",
				Message: err.Error(),
			}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}
	mu.Unlock()

	resp := healthResponse{Components: components}
	if allHealthy {
		resp.Status = "healthy"
		JSON(w, r, http.StatusOK, resp)
		return
	}
	resp.Status = "unhealthy"
	JSON(w, r, http.StatusServiceUnavailable, resp)
}
