package keypool

import "errors"

// Named conditions the route layer maps to externally visible statuses.
var (
	// ErrDuplicateCredential is returned by Add when another credential in
	// the pool already holds the same secret value.
	ErrDuplicateCredential = errors.New("keypool: duplicate credential")

	// ErrCredentialNotFound is returned by administrative operations given
	// an unknown credential ID.
	ErrCredentialNotFound = errors.New("keypool: credential not found")

	// ErrNoCredentialAvailable is returned by Select when no eligible
	// credential exists. It is a retryable-later condition, not a fault.
	ErrNoCredentialAvailable = errors.New("keypool: no credential available")
)
