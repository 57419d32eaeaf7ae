package task

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tastythames/task-launcher/internal/inventory"
)

// errStale aborts an update whose precondition no longer holds because a
// foreground operation changed the record after the probe ran.
var errStale = errors.New("record changed during reconcile")

// Reconciler corrects tracked state against observed liveness. It is the
// only mechanism that enforces a task's time window.
type Reconciler struct {
	o      *Orchestrator
	logger *zap.Logger
}

func NewReconciler(o *Orchestrator) *Reconciler {
	return &Reconciler{o: o, logger: o.logger.Named("reconcile")}
}

// Reconcile runs one pass over every task in catalog order. A failure in one
// task is logged and never stops the rest of the pass.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if len(r.o.catalog.Tasks) == 0 {
		return
	}
	start := r.o.clock.Now()
	r.logger.Debug("reconcile started")
	for _, def := range r.o.catalog.Tasks {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcileTask(ctx, def); err != nil {
			r.o.metrics.ReconcileFailed(def.Name)
			r.logger.Error("reconcile failed", zap.String("task", def.Name), zap.Error(err))
		}
	}
	r.o.metrics.ReconcileFinished(r.o.clock.Since(start))
	r.logger.Debug("reconcile completed")
}

func (r *Reconciler) reconcileTask(ctx context.Context, def inventory.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	name := def.Name
	st := r.o.registry.GetOrCreate(name)
	live := r.o.prober.CheckPort(ctx, def.Telnet)

	switch {
	case st.State == StateRunning && !live:
		_, err = r.o.registry.Update(name, func(s *Status) error {
			if s.State != StateRunning {
				return errStale
			}
			s.State = StateStopped
			s.EndTime = nil
			s.AutoStopped = true
			return nil
		})
		if err == nil {
			r.o.metrics.AutoStopped("disappeared")
			r.logger.Warn("task stopped unexpectedly", zap.String("task", name))
		}

	case st.State == StateRunning && st.EndTime != nil:
		_, err = r.o.registry.Update(name, func(s *Status) error {
			if s.State != StateRunning {
				return errStale
			}
			return nil
		})
		if err != nil || !r.o.clock.Now().After(*st.EndTime) {
			break
		}
		r.logger.Info("task reached its time limit, auto-stopping", zap.String("task", name))
		res := r.o.Stop(ctx, name)
		if !res.Success {
			r.logger.Error("auto-stop failed", zap.String("task", name), zap.String("reason", res.Message))
		}
		_, err = r.o.registry.Update(name, func(s *Status) error {
			s.AutoStopped = true
			return nil
		})
		r.o.metrics.AutoStopped("expired")

	case (st.State == StateStopped || st.State == StateError) && live:
		_, err = r.o.registry.Update(name, func(s *Status) error {
			if s.State != StateStopped && s.State != StateError {
				return errStale
			}
			s.State = StateRunning
			return nil
		})
		if err == nil {
			r.logger.Info("task is now running (detected by port check)", zap.String("task", name))
		}
	}

	if errors.Is(err, errStale) {
		r.logger.Debug("skipping task changed during reconcile", zap.String("task", name))
		return nil
	}
	return err
}
