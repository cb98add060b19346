// Package doctor runs diagnostic checks against a huddle setup.
package doctor

import (
	"context"
	"time"
)

// Status represents the result status of a check item.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// CheckItem represents a single line item within a check result.
type CheckItem struct {
	Label  string `json:"label"`
	Status Status `json:"-"`
	Detail string `json:"detail,omitempty"`

	// For JSON output
	StatusStr string `json:"status"`
}

// Result represents the outcome of a check containing multiple items.
type Result struct {
	Name     string        `json:"name"`
	Items    []CheckItem   `json:"items"`
	Duration time.Duration `json:"duration"`
}

func (r *Result) add(label string, status Status, detail string) {
	r.Items = append(r.Items, CheckItem{Label: label, Status: status, Detail: detail})
}

// Check defines the interface for a doctor check.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// RunAll executes the checks in order. Each check gets at most timeout; a
// zero timeout leaves ctx as is.
func RunAll(ctx context.Context, checks []Check, timeout time.Duration) []Result {
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		results = append(results, run(ctx, check, timeout))
	}
	return results
}

func run(ctx context.Context, check Check, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result := check.Run(ctx)
	result.Duration = time.Since(start)
	for i := range result.Items {
		result.Items[i].StatusStr = result.Items[i].Status.String()
	}
	return result
}

// Summary returns counts of passed, warned, and failed items across all results.
func Summary(results []Result) (passed, warned, failed int) {
	for _, r := range results {
		for _, item := range r.Items {
			switch item.Status {
			case StatusPass:
				passed++
			case StatusWarn:
				warned++
			case StatusFail:
				failed++
			}
		}
	}
	return
}
