// Package openh264 binds the H.264 encoder and decoder of Cisco's
// libopenh264 behind two small Go types.
//
// Key pieces include:
//   - Decoder: Annex-B NAL units in, borrowed I420 Frames out
//   - Encoder: I420 Pictures in, Annex-B NAL units written to an io.Writer
//   - Frame/Picture: planar 4:2:0 images with per-plane strides
//   - RTPSink and Depacketizer: RFC 6184 transport for the NAL units
//
// # Architecture
//
//	Encode: Picture -> Encoder -> io.Writer (file, RTPSink, ...)
//	Decode: NAL unit -> Decoder -> Frame -> Save / Clone / Image
//	RTP:    Encoder -> RTPSink -> RTPWriter ... RTPReader -> Depacketizer -> Decoder
//
// A Frame returned by Decoder.Decode points into decoder-owned memory and
// is only valid until the next Decode or Close on the same Decoder. Using
// it afterwards returns ErrFrameExpired. Clone copies it out.
//
// # Native Library
//
// By default the package loads libopenh264 at runtime with purego
// (CGO_ENABLED=0 works). Set OPENH264_LIB_PATH to the library file, or
// OPENH264_LIB_DIR to the directory holding it, to override the search.
// Build with -tags openh264cgo to link through cgo and pkg-config instead.
//
// Native calls that break the library's contract (null handle, failed
// initialization, inconsistent output) are reported as
// *ContractViolationError. Decoders and Encoders are not safe for
// concurrent use.
package openh264
