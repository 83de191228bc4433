package diagram

import (
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// RunOverlay derives per-step statuses from a run and its history.
// Later events win, so a step that was retried and then completed
// shows as completed.
func RunOverlay(run *store.Run, events []*store.RunEvent) map[string]string {
	overlay := make(map[string]string)
	for _, ev := range events {
		if ev.StepSlug == "" {
			continue
		}
		switch ev.Type {
		case schema.EventStepStarted, schema.EventStepRetrying:
			overlay[ev.StepSlug] = "running"
		case schema.EventStepCompleted:
			overlay[ev.StepSlug] = "completed"
		case schema.EventStepFailed:
			overlay[ev.StepSlug] = "failed"
		}
	}
	if run != nil && run.Status == schema.RunStatusSuspended && run.CurrentStep != "" {
		overlay[run.CurrentStep] = "suspended"
	}
	return overlay
}
