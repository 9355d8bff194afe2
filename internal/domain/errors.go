package domain

import "errors"

// Error categories shared by stores and engines. Wrap with fmt.Errorf("%w")
// and test with errors.Is.
var (
	// ErrNotFound means the requested root or entity does not exist in the graph.
	ErrNotFound = errors.New("not found")

	// ErrDataSource means the graph or SQL store call itself failed.
	ErrDataSource = errors.New("data source unavailable")

	// ErrInvalidInput means the caller supplied an unusable request.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedRule marks a rule document entry that cannot be evaluated.
	ErrMalformedRule = errors.New("malformed rule")
)
