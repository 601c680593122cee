package harness

import (
	"github.com/roach88/bindingtester/internal/engine"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall test success: every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Instructions is the number of instructions dispatched across threads.
	Instructions int64 `json:"instructions"`

	// Fatal is the machine error that stopped the run, if any.
	Fatal *engine.MachineError `json:"-"`

	// Stacks holds each started thread's final stack, bottom first,
	// rendered with engine.FormatValue.
	Stacks map[string][]string `json:"stacks"`

	// Store lists every key below 0xff after the run, excluding the
	// scenario's instruction rows, in key order.
	Store []StoreEntry `json:"store"`

	raw map[string][]byte
}

// StoreEntry is one key-value pair of the final store, rendered as tuple
// byte-string elements.
type StoreEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Stacks: make(map[string][]string),
		Store:  []StoreEntry{},
		raw:    make(map[string][]byte),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
