package domain

import "errors"

// Sentinel errors shared across the engine. Wrap with fmt.Errorf("%w")
// when adding context so errors.Is keeps working at the boundaries.
var (
	// ErrPayloadTooLarge is returned at enqueue when the payload exceeds
	// the configured byte ceiling. Surfaced synchronously to producers.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrJobNotFound is returned when the referenced job row does not exist
	// or is not in a state the operation accepts.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobLeased is returned when an admin operation targets a job that
	// is currently leased; the caller must wait for lease resolution.
	ErrJobLeased = errors.New("job is leased")

	// ErrUnknownHandler is returned when a job's handler type has no
	// registration. Such jobs are dead-lettered, never retried.
	ErrUnknownHandler = errors.New("unknown handler type")

	// ErrLeaseLost is returned from heartbeat when the caller no longer
	// holds a live lease on the job. Treated as a transient failure.
	ErrLeaseLost = errors.New("lease lost")
)
