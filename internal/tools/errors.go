package tools

import "errors"

var (
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrMissingRequiredArg    = errors.New("missing required argument")
	ErrToolNameEmpty         = errors.New("tool name is empty")
	ErrToolExecuteNil        = errors.New("tool execute function is nil")
)
