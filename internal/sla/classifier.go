// Package sla buckets due times against the current time. Everything here is
// pure: the same inputs always yield the same bucket.
package sla

import (
	"time"

	"github.com/pitabwire/jornada/model"
)

// Bucket boundaries, measured as time remaining until the due time.
const (
	nearWindow = 24 * time.Hour
	midWindow  = 72 * time.Hour
)

// Classify buckets a due time against now. A nil due time is on track.
// A stage is overdue iff now is strictly after its due time.
func Classify(dueAt *time.Time, now time.Time) model.SLABucket {
	if dueAt == nil {
		return model.SLAOnTrack
	}
	if now.After(*dueAt) {
		return model.SLAOverdue
	}
	remaining := dueAt.Sub(now)
	switch {
	case remaining < nearWindow:
		return model.SLADueLt24h
	case remaining < midWindow:
		return model.SLADue24To72h
	default:
		return model.SLADueGt72h
	}
}

// ClassifyStage buckets a stage. Only in-progress stages carry a live SLA; every
// other status is on track.
func ClassifyStage(sp model.StageProgress, now time.Time) model.SLABucket {
	if sp.Status != model.StageStatusInProgress {
		return model.SLAOnTrack
	}
	return Classify(sp.SLADueAt, now)
}

// DueAt returns the SLA due time for a stage activated at startedAt.
func DueAt(startedAt time.Time, slaHours int) time.Time {
	return startedAt.Add(time.Duration(slaHours) * time.Hour)
}

// Annotate fills SLABucket on every stage of inst. Stages of a completed or
// cancelled instance are on track whatever their status. It returns a copy and
// never touches the stored instance.
func Annotate(inst model.JourneyInstance, now time.Time) model.JourneyInstance {
	stages := make([]model.StageProgress, len(inst.Stages))
	for i, sp := range inst.Stages {
		sp.SLABucket = model.SLAOnTrack
		if !inst.Status.Terminal() {
			sp.SLABucket = ClassifyStage(sp, now)
		}
		stages[i] = sp
	}
	inst.Stages = stages
	return inst
}
