package ir

import "time"

// Outcome is the terminal state of an executed step.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// StepResult records the execution of one step.
type StepResult struct {
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Err        error     `json:"-"`
}

// Duration returns how long the step ran.
func (r StepResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
