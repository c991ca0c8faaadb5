package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober performs an active liveness check against a provider's upstream
type Prober interface {
	HealthCheck(ctx context.Context, p *Provider) error
}

// Start launches the background health sweep. The first sweep runs
// immediately. Calling Start on a running registry is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if r.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.sweepCancel = cancel
	r.sweepDone = done

	go r.sweepLoop(ctx, done)

	r.logger.WithField("interval", r.opts.HealthCheckInterval.String()).Info("Health sweep started")
}

// Stop cancels the sweep and waits for it to exit
func (r *Registry) Stop() {
	r.sweepMu.Lock()
	cancel, done := r.sweepCancel, r.sweepDone
	r.sweepCancel, r.sweepDone = nil, nil
	r.sweepMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("Health sweep stopped")
}

func (r *Registry) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		if err := r.SweepNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Error("Health sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepNow runs one health sweep over every active, enabled provider. Without
// a prober it only refreshes last_check on providers with health history.
func (r *Registry) SweepNow(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("health sweep panicked: %v", rec)
		}
	}()

	checked, failed := 0, 0
	for _, p := range r.ListAll() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Status != StatusActive || !p.Enabled {
			continue
		}
		checked++

		if r.opts.Prober == nil {
			r.touch(p.ID)
			continue
		}

		start := time.Now()
		probeErr := r.opts.Prober.HealthCheck(ctx, p)
		elapsed := float64(time.Since(start).Microseconds()) / 1000

		if probeErr != nil {
			if errors.Is(probeErr, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			r.RecordHealth(p.ID, elapsed, false, probeErr.Error())
			r.logger.WithError(probeErr).WithField("provider", p.ID).Warn("Health probe failed")
			continue
		}
		r.RecordHealth(p.ID, elapsed, true, "")
	}

	r.logger.WithFields(logrus.Fields{
		"checked": checked,
		"failed":  failed,
	}).Debug("Health sweep completed")
	return nil
}

// touch refreshes last_check without recording an observation
func (r *Registry) touch(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.provider.Health != nil {
		e.provider.Health.LastCheck = r.now()
	}
	e.mu.Unlock()
}
