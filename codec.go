package openh264

import "strings"

// ErrorConcealment selects how the decoder hides lost or corrupt slices.
// Values match ERROR_CON_IDC in codec_app_def.h.
type ErrorConcealment int32

const (
	ErrorConcealmentDisable ErrorConcealment = iota
	ErrorConcealmentFrameCopy
	ErrorConcealmentSliceCopy // substitute the co-located slice of an earlier frame
	ErrorConcealmentFrameCopyCrossIDR
	ErrorConcealmentSliceCopyCrossIDR
	ErrorConcealmentSliceCopyCrossIDRFreezeResChange
	ErrorConcealmentSliceMVCopyCrossIDR
	ErrorConcealmentSliceMVCopyCrossIDRFreezeResChange
)

func (e ErrorConcealment) String() string {
	switch e {
	case ErrorConcealmentDisable:
		return "Disable"
	case ErrorConcealmentFrameCopy:
		return "FrameCopy"
	case ErrorConcealmentSliceCopy:
		return "SliceCopy"
	case ErrorConcealmentFrameCopyCrossIDR:
		return "FrameCopyCrossIDR"
	case ErrorConcealmentSliceCopyCrossIDR:
		return "SliceCopyCrossIDR"
	case ErrorConcealmentSliceCopyCrossIDRFreezeResChange:
		return "SliceCopyCrossIDRFreezeResChange"
	case ErrorConcealmentSliceMVCopyCrossIDR:
		return "SliceMVCopyCrossIDR"
	case ErrorConcealmentSliceMVCopyCrossIDRFreezeResChange:
		return "SliceMVCopyCrossIDRFreezeResChange"
	default:
		return "Unknown"
	}
}

// TraceLevel is the native library log verbosity (WELS_LOG_*).
type TraceLevel int32

const (
	TraceQuiet   TraceLevel = 0
	TraceError   TraceLevel = 1 << 0
	TraceWarning TraceLevel = 1 << 1
	TraceInfo    TraceLevel = 1 << 2
	TraceDebug   TraceLevel = 1 << 3
	TraceDetail  TraceLevel = 1 << 4
)

func (l TraceLevel) String() string {
	switch l {
	case TraceQuiet:
		return "Quiet"
	case TraceError:
		return "Error"
	case TraceWarning:
		return "Warning"
	case TraceInfo:
		return "Info"
	case TraceDebug:
		return "Debug"
	case TraceDetail:
		return "Detail"
	default:
		return "Unknown"
	}
}

// UsageType tells the encoder what kind of content it is fed (EUsageType).
type UsageType int32

const (
	UsageCameraRealTime UsageType = iota
	UsageScreenRealTime
	UsageCameraNonRealTime
	UsageScreenNonRealTime
)

func (u UsageType) String() string {
	switch u {
	case UsageCameraRealTime:
		return "CameraRealTime"
	case UsageScreenRealTime:
		return "ScreenRealTime"
	case UsageCameraNonRealTime:
		return "CameraNonRealTime"
	case UsageScreenNonRealTime:
		return "ScreenNonRealTime"
	default:
		return "Unknown"
	}
}

// ParseUsageType maps "camera" and "screen" (optionally suffixed with
// "-offline") to a UsageType.
func ParseUsageType(s string) (UsageType, bool) {
	switch strings.ToLower(s) {
	case "camera", "camera-realtime":
		return UsageCameraRealTime, true
	case "screen", "screen-realtime", "":
		return UsageScreenRealTime, true
	case "camera-offline":
		return UsageCameraNonRealTime, true
	case "screen-offline":
		return UsageScreenNonRealTime, true
	default:
		return UsageScreenRealTime, false
	}
}

// FrameType is the type the encoder assigned to a coded picture
// (EVideoFrameType).
type FrameType int32

const (
	FrameTypeInvalid FrameType = iota
	FrameTypeIDR
	FrameTypeI
	FrameTypeP
	FrameTypeSkip
	FrameTypeIPMixed
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeInvalid:
		return "Invalid"
	case FrameTypeIDR:
		return "IDR"
	case FrameTypeI:
		return "I"
	case FrameTypeP:
		return "P"
	case FrameTypeSkip:
		return "Skip"
	case FrameTypeIPMixed:
		return "IPMixed"
	default:
		return "Unknown"
	}
}

// IsKeyframe reports whether the frame can be decoded on its own.
func (f FrameType) IsKeyframe() bool {
	return f == FrameTypeIDR || f == FrameTypeI
}

// TimestampMode decides which timestamp the encoder stamps on a picture.
type TimestampMode int

const (
	// TimestampFixed stamps every picture with FixedPictureTimestamp and
	// ignores Picture.Timestamp.
	TimestampFixed TimestampMode = iota
	// TimestampFromPicture passes Picture.Timestamp through.
	TimestampFromPicture
)

// FixedPictureTimestamp is the timestamp used in TimestampFixed mode.
const FixedPictureTimestamp = 30

func (m TimestampMode) String() string {
	switch m {
	case TimestampFixed:
		return "Fixed"
	case TimestampFromPicture:
		return "FromPicture"
	default:
		return "Unknown"
	}
}

// decodingState is the bit set returned by the decode entry points
// (DECODING_STATE).
type decodingState int32

const (
	dsErrorFree          decodingState = 0x00
	dsFramePending       decodingState = 0x01
	dsRefLost            decodingState = 0x02
	dsBitstreamError     decodingState = 0x04
	dsDepLayerLost       decodingState = 0x08
	dsNoParamSets        decodingState = 0x10
	dsDataErrorConcealed decodingState = 0x20
	dsRefListNullPtrs    decodingState = 0x40
	dsInvalidArgument    decodingState = 0x1000
	dsInitialOptExpected decodingState = 0x2000
	dsOutOfMemory        decodingState = 0x4000
	dsDstBufNeedExpan    decodingState = 0x8000
)

var decodingStateNames = []struct {
	bit  decodingState
	name string
}{
	{dsFramePending, "FramePending"},
	{dsRefLost, "RefLost"},
	{dsBitstreamError, "BitstreamError"},
	{dsDepLayerLost, "DepLayerLost"},
	{dsNoParamSets, "NoParamSets"},
	{dsDataErrorConcealed, "DataErrorConcealed"},
	{dsRefListNullPtrs, "RefListNullPtrs"},
	{dsInvalidArgument, "InvalidArgument"},
	{dsInitialOptExpected, "InitialOptExpected"},
	{dsOutOfMemory, "OutOfMemory"},
	{dsDstBufNeedExpan, "DstBufNeedExpan"},
}

func (s decodingState) String() string {
	if s == dsErrorFree {
		return "ErrorFree"
	}
	var names []string
	rest := s
	for _, n := range decodingStateNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 || len(names) == 0 {
		names = append(names, "Unknown")
	}
	return strings.Join(names, "|")
}
