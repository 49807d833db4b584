package change

import "errors"

var (
	ErrUnknownKind    = errors.New("unknown entity kind")
	ErrDuplicateID    = errors.New("id appears more than once in payload")
	ErrEmptyID        = errors.New("empty id")
	ErrMissingProject = errors.New("change request has no project id")
	ErrMissingMarker  = errors.New("change request has no change marker")
)
