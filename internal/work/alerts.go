package work

import (
	"context"
	"sort"
	"time"

	"github.com/gestia/tramite/model"
)

// Alerts runs the deadline scan: every open step instance of active work
// whose deadline is at most three days away, overdue ones included. Elevated
// roles see the whole system; everyone else sees their own unit, with their
// own entries sorted first.
func (e *Engine) Alerts(ctx context.Context, rctx *model.RequestContext) ([]model.StepAlert, error) {
	var unitID *int64
	unitScope := !rctx.Elevated()
	if unitScope {
		if rctx.UnitID == nil {
			return nil, model.NewValidationError(model.FieldError{
				Field: "actor", Code: "invalid",
				Message: "acting user has no assigned organizational unit",
			})
		}
		unitID = rctx.UnitID
	}

	rows, err := e.store.FindOpenSteps(ctx, unitID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var alerts []model.StepAlert
	for _, row := range rows {
		tmpl, err := e.templates.GetStep(ctx, row.Step.StepTemplateID)
		if err != nil {
			// A step template deleted after its instances were protected
			// should not happen; skip rather than fail the whole scan.
			continue
		}

		deadline, ok := StepDeadline(row.Step, tmpl)
		if !ok {
			continue
		}
		delta := daysUntil(deadline, now)
		if delta > alertWindow {
			continue
		}

		alerts = append(alerts, model.StepAlert{
			WorkID:         row.Work.ID,
			StepInstanceID: row.Step.ID,
			WorkTitle:      row.Work.Title,
			StepTitle:      tmpl.Title,
			ActorID:        row.Work.ActorID,
			UnitID:         row.Work.UnitID,
			Deadline:       deadline,
			DaysRemaining:  delta,
			Overdue:        delta < 0,
		})
	}

	sortAlerts(alerts, rctx.ActorID, unitScope)
	return alerts, nil
}

// sortAlerts orders by ascending days-remaining, which puts overdue entries
// (negative deltas) first. Under unit scope the requesting actor's own
// entries come before everyone else's, keeping the deadline order within
// each group.
func sortAlerts(alerts []model.StepAlert, actorID string, unitScope bool) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].DaysRemaining < alerts[j].DaysRemaining
	})
	if unitScope {
		sort.SliceStable(alerts, func(i, j int) bool {
			return alerts[i].ActorID == actorID && alerts[j].ActorID != actorID
		})
	}
}
