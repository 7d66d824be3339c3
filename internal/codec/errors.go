package codec

import (
	"errors"
	"fmt"

	"github.com/zsiec/nanodec/internal/media"
)

// Sentinel errors for the codec context lifecycle. Lifecycle violations
// are programming errors and are returned, never retried.
var (
	ErrNotReady           = errors.New("codec: context not ready")
	ErrAlreadyInitialized = errors.New("codec: already initialized")
	ErrContextCreation    = errors.New("codec: context creation failed")
	ErrSubmission         = errors.New("codec: frame submission failed")

	// ErrAgain is returned by a Decoder when it cannot accept input until
	// output is drained, or has no output ready.
	ErrAgain = errors.New("codec: resource temporarily unavailable")
)

// ContextCreationError reports a failure to find, open, or configure the
// decoder or its resampler. It matches ErrContextCreation with errors.Is.
type ContextCreationError struct {
	Media media.Type
	Codec Codec
	Op    string
	Err   error
}

func (e *ContextCreationError) Error() string {
	return fmt.Sprintf("codec: create %s %s context: %s: %v", e.Media, e.Codec, e.Op, e.Err)
}

func (e *ContextCreationError) Unwrap() []error {
	return []error{ErrContextCreation, e.Err}
}

// SubmissionError reports a frame the decoder rejected after the context
// was created. It is logged and counted; the frame is dropped.
type SubmissionError struct {
	Media   media.Type
	FrameID uint32
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("codec: submit %s frame %d: %v", e.Media, e.FrameID, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrSubmission, e.Err}
}
