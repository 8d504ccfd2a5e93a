package api

import "time"

// MigrationStrategy selects the step recipe used to move an instance.
type MigrationStrategy string

const (
	// StrategyStopAndRecreate stops the source before the target exists.
	// Cheaper, with downtime.
	StrategyStopAndRecreate MigrationStrategy = "stop_and_recreate"
	// StrategyCreateThenStop brings the target up first, then stops the
	// source. Shorter downtime, briefly runs two copies.
	StrategyCreateThenStop MigrationStrategy = "create_then_stop"
)

// MigrationStepStatus is the persisted state of one migration step.
type MigrationStepStatus string

const (
	StepPending    MigrationStepStatus = "pending"
	StepInProgress MigrationStepStatus = "in_progress"
	StepCompleted  MigrationStepStatus = "completed"
	StepFailed     MigrationStepStatus = "failed"
	StepSkipped    MigrationStepStatus = "skipped"
)

// MigrationStatus is the overall state of a plan.
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "pending"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationCancelled  MigrationStatus = "cancelled"
	MigrationTimedOut   MigrationStatus = "timed_out"
)

// IsTerminal reports whether a plan in this status may never transition
// again.
func (s MigrationStatus) IsTerminal() bool {
	switch s {
	case MigrationCompleted, MigrationFailed, MigrationCancelled, MigrationTimedOut:
		return true
	}
	return false
}

// MigrationStep is one atomic unit of migration work.
type MigrationStep struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Status      MigrationStepStatus `json:"status"`
	StartedAt   *time.Time          `json:"startedAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// MigrationPlan is the durable record of one migration. Every step
// transition is persisted before the next step runs, which is what makes
// crash recovery possible: CurrentStepIndex points at the step most recently
// begun, and every step before it is completed or skipped.
type MigrationPlan struct {
	ID                 string            `json:"id"`
	SourceInstanceID   string            `json:"sourceInstanceId"`
	SourceProviderType ProviderType      `json:"sourceProviderType"`
	TargetProviderType ProviderType      `json:"targetProviderType"`
	Strategy           MigrationStrategy `json:"strategy"`
	KeepSource         bool              `json:"keepSource"`
	StartTarget        bool              `json:"startTarget"`
	TimeoutSeconds     int               `json:"timeoutSeconds"`
	CreatedAt          time.Time         `json:"createdAt"`
	ExpiresAt          time.Time         `json:"expiresAt"`
	Steps              []MigrationStep   `json:"steps"`
	CurrentStepIndex   int               `json:"currentStepIndex"`
	Status             MigrationStatus   `json:"status"`
	TargetInstanceID   string            `json:"targetInstanceId,omitempty"`
	Error              string            `json:"error,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
}

// Clone returns a deep copy.
func (p *MigrationPlan) Clone() *MigrationPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]MigrationStep, len(p.Steps))
	for i, s := range p.Steps {
		step := s
		if s.StartedAt != nil {
			t := *s.StartedAt
			step.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			step.CompletedAt = &t
		}
		out.Steps[i] = step
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// MigrationOptions override plan defaults at creation time; nil fields fall
// back to configuration.
type MigrationOptions struct {
	Strategy       MigrationStrategy
	KeepSource     *bool
	StartTarget    *bool
	TimeoutSeconds *int
}

// MigrationResult is the outcome of StartMigration.
type MigrationResult struct {
	Plan           *MigrationPlan  `json:"plan"`
	Success        bool            `json:"success"`
	TargetInstance *VSCodeInstance `json:"targetInstance,omitempty"`
	Error          string          `json:"error,omitempty"`
}
