package harness

import "time"

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every import met its expectations.
	Pass bool `json:"pass"`

	// Imports records each engine run in scenario order.
	Imports []ImportResult `json:"imports"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// ImportResult records one engine run of a scenario.
type ImportResult struct {
	Name  string    `json:"name"`
	RunAt time.Time `json:"run_at"`

	// Steps is the number of steps that reported a result.
	Steps int `json:"steps"`

	// Error is the run's error text, empty when it succeeded.
	Error string `json:"error,omitempty"`

	// Transitions maps table to transition name to staged row count.
	Transitions map[string]map[string]int64 `json:"transitions"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Imports: []ImportResult{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
