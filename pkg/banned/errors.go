package banned

import "errors"

var (
	// ErrInvalidPhrase is returned at construction for a zero-length phrase.
	ErrInvalidPhrase = errors.New("invalid phrase: phrases must contain at least one token")

	// ErrBatchShapeMismatch means the host loop handed over a step whose
	// shape disagrees with the configured batch size. It indicates an
	// integration bug and is never recovered from internally.
	ErrBatchShapeMismatch = errors.New("batch shape mismatch")

	// ErrCandidatesExhausted is attached to EventCandidatesExhausted when a
	// correction asks for a rank past the end of the candidate ranking.
	ErrCandidatesExhausted = errors.New("candidate ranking exhausted")

	// ErrInvalidEpsilon is returned when epsilon is outside [0, 1].
	ErrInvalidEpsilon = errors.New("epsilon must be within [0, 1]")

	// ErrInvalidBatchSize is returned when the batch size is not positive.
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrSequenceOutOfRange is returned for a batch index outside the batch.
	ErrSequenceOutOfRange = errors.New("sequence index out of range")
)
