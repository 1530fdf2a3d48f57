package queue

import "errors"

// Validation errors are synchronous and fatal to the offending call only.
var (
	ErrValidation        = errors.New("invalid task definition")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycleDetected     = errors.New("dependency cycle detected")
	ErrDuplicateExecutor = errors.New("executor already registered")
	ErrExecutorNotFound  = errors.New("executor not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNotCancellable    = errors.New("task already dispatched or terminal")
)

// Execution errors are absorbed by retry and breaker machinery; they
// surface only as terminal task status and events.
var (
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrMaxAttempts      = errors.New("max attempts exceeded")
)
