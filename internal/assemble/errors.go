package assemble

import "errors"

// ErrMalformedFrame is returned when fragments cannot form a valid frame.
// The offending frame is dropped; assembler state for other frames is left
// untouched, so the next well-formed fragment assembles normally.
var ErrMalformedFrame = errors.New("assemble: malformed frame")

var errShortSPS = errors.New("SPS data too short")

var errSPSCrop = errors.New("SPS cropping exceeds picture size")
