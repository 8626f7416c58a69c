package pipeline

import (
	"fmt"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// StageError reports the stage a batch aborted in. Stage is the state the
// failed stage would have advanced to.
type StageError struct {
	Stage archive.State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
