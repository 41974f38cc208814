package routing

import "errors"

var (
	// ErrNoProviderAvailable means no registered provider passed the hard
	// capability and context filter.
	ErrNoProviderAvailable = errors.New("no provider available for request")

	// ErrNoProviderPassedScoring means every filtered provider was dropped
	// during scoring, typically by the cost budget.
	ErrNoProviderPassedScoring = errors.New("no provider passed scoring")

	ErrDuplicateProvider = errors.New("provider already registered")
	ErrInvalidDescriptor = errors.New("invalid capability descriptor")
	ErrInvalidPolicy     = errors.New("invalid routing policy")
)
