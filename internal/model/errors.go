package model

import "errors"

// ErrClassificationAmbiguous and ErrGatherPartialFailure are recovered
// locally and only reported. ErrBudgetExceeded means the compressor broke its
// own bound and is always fatal.
var (
	ErrClassificationAmbiguous = errors.New("classification ambiguous")
	ErrGatherPartialFailure    = errors.New("gather partial failure")
	ErrBudgetExceeded          = errors.New("token budget exceeded")
	ErrToolExecutionFailed     = errors.New("tool execution failed")
	ErrSessionTimeout          = errors.New("session timeout")
	ErrCheckpointCorrupt       = errors.New("checkpoint corrupt")
	ErrCheckpointNotFound      = errors.New("checkpoint not found")
	ErrDuplicateTool           = errors.New("duplicate tool name")
	ErrPathOutsideWorkspace    = errors.New("path outside workspace root")
	ErrConfirmationDenied      = errors.New("confirmation denied")
)
