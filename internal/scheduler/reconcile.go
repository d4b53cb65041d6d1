package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/types"
)

// ActionReconciled marks status updates written by the sweep.
const ActionReconciled = "released_by_reconciliation"

// Reconciler releases responders still engaged with finished incidents. Close
// and release are two writes, and a crash between them leaves responders
// stuck on a closed incident until the next sweep.
type Reconciler struct {
	domain *state.Domain
	logger *zap.Logger
}

func NewReconciler(domain *state.Domain, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{domain: domain, logger: logger.With(zap.String("component", "reconciler"))}
}

// Sweep writes an available status update for every responder whose current
// status engages it with a closed or resolved incident. It returns the
// responders released. Missing incidents are left alone.
func (r *Reconciler) Sweep(ctx context.Context) ([]string, error) {
	engaged, err := r.domain.EngagedIncidents(ctx)
	if err != nil {
		return nil, err
	}

	finished := map[string]bool{}
	var released []string
	var errs []error
	for _, rid := range slices.Sorted(maps.Keys(engaged)) {
		incidentID := engaged[rid]
		done, ok := finished[incidentID]
		if !ok {
			inc, err := r.domain.GetIncident(ctx, incidentID)
			switch {
			case types.IsNotFound(err):
				r.logger.Warn("responder engaged with missing incident",
					zap.String("responder", rid), zap.String("incident", incidentID))
			case err != nil:
				errs = append(errs, err)
				continue
			default:
				done = inc.Status.Finished()
			}
			finished[incidentID] = done
		}
		if !done {
			continue
		}
		_, err := r.domain.AppendStatusUpdate(ctx, &types.StatusUpdate{
			ResponderID: rid,
			IncidentID:  incidentID,
			Status:      types.ResponderAvailable,
			Action:      ActionReconciled,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", rid, err))
			continue
		}
		released = append(released, rid)
	}
	if len(released) > 0 {
		r.logger.Info("released responders", zap.Strings("responders", released))
	}
	return released, errors.Join(errs...)
}
