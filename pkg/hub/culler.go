package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/observability"
	"github.com/calyptra/hubble/pkg/spawner"
	"github.com/calyptra/hubble/pkg/users"
)

// Culler stops servers whose owners have gone idle. Activity comes from
// logins and from the servers' own activity reports; a user with no
// activity for the idle window gets their server stopped, never their
// account touched.
type Culler struct {
	users       users.Store
	supervisor  *spawner.Supervisor
	sink        audit.Sink
	idleTimeout time.Duration
	logger      *observability.Logger
}

// CullerOption configures the culler
type CullerOption func(*Culler)

// WithCullerLogger sets the culler logger
func WithCullerLogger(logger *observability.Logger) CullerOption {
	return func(c *Culler) { c.logger = logger }
}

// NewCuller creates an idle server culler
func NewCuller(userStore users.Store, supervisor *spawner.Supervisor, sink audit.Sink,
	idleTimeout time.Duration, opts ...CullerOption) *Culler {
	c := &Culler{
		users:       userStore,
		supervisor:  supervisor,
		sink:        sink,
		idleTimeout: idleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return c
}

// Sweep stops every running server whose owner is past the idle window.
// One stubborn server does not stop the sweep.
func (c *Culler) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-c.idleTimeout)

	var firstErr error
	for _, rec := range c.supervisor.List() {
		if rec.State != spawner.StateRunning {
			continue
		}

		user, err := c.users.GetUser(ctx, rec.Owner)
		if err != nil {
			c.logger.WithError(err).WithField("user", rec.Owner).Warn("cull lookup failed")
			continue
		}

		lastActive := user.LastActivity
		if lastActive.IsZero() {
			lastActive = user.CreatedAt
		}
		if lastActive.After(cutoff) {
			continue
		}

		c.logger.WithFields(map[string]interface{}{
			"user": user.Name,
			"idle": time.Since(lastActive).Round(time.Second).String(),
		}).Info("culling idle server")

		if err := c.supervisor.Stop(ctx, user.Name); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to cull %s: %w", user.Name, err)
			}
			continue
		}
		if c.sink != nil {
			_ = c.sink.Record(ctx, audit.NewEvent(audit.ActionServerReaped, "idle-culler", user.Name).
				WithDetail("reason", "idle"))
		}
	}
	return firstErr
}
