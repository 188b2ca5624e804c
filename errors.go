package fieldsync

import (
	"context"
	"errors"
	"strings"
)

// ErrAuthenticationRequired is returned when a sync pass starts without a
// resolvable user identity. It aborts the whole pass, not individual actions.
var ErrAuthenticationRequired = errors.New("authentication required")

// ErrRemoteUnavailable indicates a transient remote store failure. Actions
// failing with it stay retryable.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// ErrOffline is returned when an operation needs the network and the device
// has no connectivity.
var ErrOffline = errors.New("device is offline")

// ErrDecompression indicates a payload marked compressed could not be decoded.
var ErrDecompression = errors.New("invalid compressed payload")

// ErrImageDecode indicates bytes that could not be decoded as an image.
var ErrImageDecode = errors.New("image decode failed")

// ErrFileNotFound indicates a missing image source path. Not retryable.
var ErrFileNotFound = errors.New("source file not found")

// ErrMaxRetriesExceeded marks an action that exhausted its retry budget and
// moved to StatusFailed.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// ErrSyncInProgress is returned by explicit triggers while a pass is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrNotFound is returned by stores when a record or document does not exist.
var ErrNotFound = errors.New("not found")

// IsRetryable reports whether an error represents a transient failure worth
// retrying. Context cancellation and permanent errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrAuthenticationRequired) ||
		errors.Is(err, ErrFileNotFound) ||
		errors.Is(err, ErrMaxRetriesExceeded) ||
		errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrOffline) {
		return true
	}
	// A per-call deadline counts as a transient remote failure for that
	// action only.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
		"429",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
