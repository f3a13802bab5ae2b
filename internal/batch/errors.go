package batch

import "errors"

var (
	ErrNoItems               = errors.New("batch requires at least one item")
	ErrDuplicateItem         = errors.New("duplicate item id in batch request")
	ErrInvalidPredictionType = errors.New("invalid prediction type")
	ErrInvalidState          = errors.New("operation not valid in current batch state")
)
