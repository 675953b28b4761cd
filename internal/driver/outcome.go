// internal/driver/outcome.go
package driver

import "fmt"

// OutcomeKind distinguishes the ways a driver run can end. A WrongContext
// outcome is benign: the frame simply is not the automation target.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeWrongContext
	OutcomeTimeout
	OutcomePipelineError
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeSuccess:       "success",
	OutcomeWrongContext:  "wrong-context",
	OutcomeTimeout:       "timeout",
	OutcomePipelineError: "pipeline-error",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// ParseOutcomeKind is the inverse of OutcomeKind.String.
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	for k, name := range outcomeNames {
		if name == s {
			return k, nil
		}
	}
	return OutcomePipelineError, fmt.Errorf("driver: unknown outcome %q", s)
}

// Outcome is the result of one driver run in one frame.
type Outcome struct {
	Kind  OutcomeKind
	Error string
}

// Success reports whether the run completed every step.
func (o Outcome) Success() bool { return o.Kind == OutcomeSuccess }

func succeeded() Outcome { return Outcome{Kind: OutcomeSuccess} }

func failed(kind OutcomeKind, err error) Outcome {
	return Outcome{Kind: kind, Error: err.Error()}
}
