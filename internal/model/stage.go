package model

import (
	"slices"

	"github.com/rotisserie/eris"
)

// Stage is a step of the import job state machine.
type Stage string

// Pipeline stages in processing order.
const (
	StageDatasetDetection    Stage = "dataset-detection"
	StageAnalyzeDuplicates   Stage = "analyze-duplicates"
	StageDetectSchema        Stage = "detect-schema"
	StageValidateSchema      Stage = "validate-schema"
	StageAwaitApproval       Stage = "await-approval"
	StageCreateSchemaVersion Stage = "create-schema-version"
	StageGeocodeBatch        Stage = "geocode-batch"
	StageCreateEvents        Stage = "create-events"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

var (
	// ErrInvalidTransition is returned for a stage change outside the graph.
	ErrInvalidTransition = eris.New("model: invalid stage transition")
	// ErrTerminalJob is returned when a completed job would be modified.
	ErrTerminalJob = eris.New("model: job is completed and immutable")
)

// transitions lists the forward edges of the stage graph. Every
// non-terminal stage may additionally move to StageFailed.
var transitions = map[Stage][]Stage{
	StageDatasetDetection:    {StageAnalyzeDuplicates},
	StageAnalyzeDuplicates:   {StageDetectSchema},
	StageDetectSchema:        {StageValidateSchema},
	StageValidateSchema:      {StageCreateSchemaVersion, StageAwaitApproval, StageGeocodeBatch},
	StageAwaitApproval:       {StageCreateSchemaVersion},
	StageCreateSchemaVersion: {StageGeocodeBatch},
	StageGeocodeBatch:        {StageCreateEvents},
	StageCreateEvents:        {StageCompleted},
}

// AllStages returns every stage in processing order.
func AllStages() []Stage {
	return []Stage{
		StageDatasetDetection, StageAnalyzeDuplicates, StageDetectSchema,
		StageValidateSchema, StageAwaitApproval, StageCreateSchemaVersion,
		StageGeocodeBatch, StageCreateEvents, StageCompleted, StageFailed,
	}
}

// DefaultRecoveryStages are the stages a failed job may be restarted at
// when its dataset does not configure its own list.
func DefaultRecoveryStages() []Stage {
	return []Stage{StageDetectSchema, StageValidateSchema, StageGeocodeBatch, StageCreateEvents}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return slices.Contains(AllStages(), s)
}

// Terminal reports whether s ends the state machine.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// TaskName is the queue task that runs the stage.
func (s Stage) TaskName() string {
	return string(s)
}

// CanTransition reports whether a job may move from one stage to another.
// Staying on the same non-terminal stage is allowed for batch continuation.
// A failed job may only move to one of the recovery stages.
func CanTransition(from, to Stage, recovery []Stage) bool {
	switch {
	case !from.Valid() || !to.Valid():
		return false
	case from == StageCompleted:
		return false
	case from == StageFailed:
		return to != StageFailed && to != StageCompleted && slices.Contains(recovery, to)
	case from == to:
		return true
	case to == StageFailed:
		return true
	default:
		return slices.Contains(transitions[from], to)
	}
}

// ValidateTransition returns ErrInvalidTransition when CanTransition is false.
func ValidateTransition(from, to Stage, recovery []Stage) error {
	if from == StageCompleted {
		return eris.Wrapf(ErrTerminalJob, "cannot move to %s", to)
	}
	if !CanTransition(from, to, recovery) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// CheckJobUpdate enforces the terminal-state contract for a write that
// replaces prev with next. Completed jobs accept no writes; failed jobs
// accept writes that stay failed or move to a recovery stage.
func CheckJobUpdate(prev, next *ImportJob, recovery []Stage) error {
	if prev.Stage == StageCompleted {
		return eris.Wrapf(ErrTerminalJob, "job %s", prev.ID)
	}
	if prev.Stage == next.Stage {
		return nil
	}
	return ValidateTransition(prev.Stage, next.Stage, recovery)
}
