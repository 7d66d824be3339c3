// Package assemble reconstructs complete decodable frames from the wire
// fragments of a game stream. It reassembles H.264 access units split
// across out-of-order fragments, slices ADTS-framed AAC blocks, classifies
// each frame by its first unit type, and extracts the codec configuration
// (avcC record, AudioSpecificConfig) the decoder needs before it can start.
//
// The entry points are [VideoAssembler] and [AudioAssembler]; both return
// a nil frame while a frame is still incomplete and wrap
// [ErrMalformedFrame] for input that can never form a valid frame.
package assemble
