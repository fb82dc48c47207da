package jobs

import "errors"

var (
	ErrStoreRequired    = errors.New("job store is required")
	ErrPipelineRequired = errors.New("pipeline is required")
	ErrUnknownFailure   = errors.New("unknown failure")
)
