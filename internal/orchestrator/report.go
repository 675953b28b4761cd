// internal/orchestrator/report.go
package orchestrator

import "github.com/xkilldash9x/shotpaste/internal/driver"

// FrameOutcome is the automation result of one matched frame.
type FrameOutcome struct {
	FrameID string
	URL     string
	Outcome driver.Outcome
}

// Report summarizes one capture flow.
type Report struct {
	FlowID    string
	TabID     string
	HelperTab string
	Frames    []FrameOutcome
}

// Automated returns the frames in which every step completed.
func (r *Report) Automated() []FrameOutcome {
	var out []FrameOutcome
	for _, f := range r.Frames {
		if f.Outcome.Success() {
			out = append(out, f)
		}
	}
	return out
}
