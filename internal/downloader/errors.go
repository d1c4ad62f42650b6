package downloader

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced through completion callbacks. All of them are
// terminal for the operation that raised them.
var (
	// ErrTaskCreation means the transport request could not even be built.
	ErrTaskCreation = errors.New("download task could not be created")

	// ErrInvalidResponse covers HTTP status >= 400 and a 304 with no prior
	// cached body to confirm.
	ErrInvalidResponse = errors.New("invalid server response")

	// ErrDecodeFailed means the downloaded bytes did not decode, or decoded
	// to a zero-area image.
	ErrDecodeFailed = errors.New("downloaded image could not be decoded")
)

// InvalidResponseError carries the offending status code and matches
// ErrInvalidResponse under errors.Is.
type InvalidResponseError struct {
	StatusCode int
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid server response: status %d", e.StatusCode)
}

func (e *InvalidResponseError) Is(target error) bool {
	return target == ErrInvalidResponse
}
