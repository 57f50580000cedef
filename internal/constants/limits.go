package constants

// Shared Framework Limits
//
// Limits that more than one package needs to agree on live here. Limits
// private to a single package stay in that package.

const (
	// TokenLength is the exact length of client, terminal and UI access
	// tokens. Tokens are ASCII strings; an MD5 hex digest fits exactly.
	TokenLength = 32

	// QueueDefaultSize is the capacity of the output message queue. When
	// the queue reaches this size it is discarded wholesale rather than
	// stalling the simulation. The file buffer threshold is validated
	// against this bound as well.
	QueueDefaultSize = 100000
)
