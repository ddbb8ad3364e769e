package swcache

import (
	"github.com/jmgilman/go/errors"
)

const (
	// Installation could not store the precache list. Fatal to the install.
	CodePrecacheFailed errors.ErrorCode = "PRECACHE_FAILED"
	// A control message could not be processed. Reported in the error reply.
	CodeControlChannel errors.ErrorCode = "CONTROL_CHANNEL_FAILED"
	// Storage failures degrade the operation to network-only.
	CodeStorage = errors.CodeDatabase
	// Network failures trigger a fallback response.
	CodeNetwork = errors.CodeNetwork
)

func storageError(err error, message string) error {
	return errors.Wrap(err, CodeStorage, message)
}

func networkError(err error, url string) error {
	return errors.WithContext(errors.Wrap(err, CodeNetwork, "network request failed"), "url", url)
}

// IsNetworkFailure reports whether err is a network failure.
func IsNetworkFailure(err error) bool {
	return errors.GetCode(err) == CodeNetwork
}

// IsPrecacheFailure reports whether err aborted an installation.
func IsPrecacheFailure(err error) bool {
	return errors.GetCode(err) == CodePrecacheFailed
}
