package navigator

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-inventory/models"
)

var (
	ErrNoEntryPoint   = errors.New("no known entry point")
	ErrLaunchFailed   = errors.New("launch challenge click failed")
	ErrNotOnChallenge = errors.New("not on challenge page")
	ErrStepFailed     = errors.New("navigation step failed")
	ErrNoProductCards = errors.New("no product cards visible")
)

// StepError reports the step that stopped the flow and the last stage
// reached before it.
type StepError struct {
	Stage models.Stage
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("navigation failed at %s (reached %s): %v", e.Step, e.Stage, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
