package store

import "fmt"

// Stage names the step of a batch that failed.
type Stage string

const (
	StageConnect Stage = "connect"
	StageExecute Stage = "execute"
	StageFetch   Stage = "fetch"
	StageCommit  Stage = "commit"
)

type OpError struct {
	Stage Stage
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(stage Stage, err error) error {
	return &OpError{Stage: stage, Err: err}
}
