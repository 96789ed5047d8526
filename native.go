package openh264

import (
	"fmt"
	"sync"
	"unsafe"
)

// Constants from codec_app_def.h and codec_def.h.
const (
	videoBitstreamAVC     = 0
	videoBitstreamSVC     = 1
	videoBitstreamDefault = videoBitstreamSVC

	videoFormatI420 = 23

	cmResultSuccess = 0

	rcBitrateMode = 1

	// iBufferStatus value meaning a picture was written to the output planes.
	bufferStatusFrameReady = 1

	maxLayerNumOfFrame = 128
)

type decoderOption int32

const (
	decoderOptionEndOfStream          decoderOption = 1
	decoderOptionErrorConIDC          decoderOption = 8
	decoderOptionTraceLevel           decoderOption = 9
	decoderOptionTraceCallback        decoderOption = 10
	decoderOptionTraceCallbackContext decoderOption = 11
)

type encoderOption int32

const (
	encoderOptionDataFormat           encoderOption = 0
	encoderOptionSVCEncodeParamBase   encoderOption = 2
	encoderOptionTraceLevel           encoderOption = 25
	encoderOptionTraceCallback        encoderOption = 26
	encoderOptionTraceCallbackContext encoderOption = 27
)

// decodingParam mirrors SDecodingParam. The reconstruction dump file name
// is always NULL and is therefore not represented.
type decodingParam struct {
	CPULoad          uint32
	TargetDQLayer    uint8
	ErrorConcealment ErrorConcealment
	ParseOnly        bool
	BitstreamType    int32
}

// sysMemBuffer mirrors SSysMEMBuffer.
type sysMemBuffer struct {
	Width  int32
	Height int32
	Format int32
	Stride [2]int32
}

// bufferInfo mirrors the fields of SBufferInfo the wrapper reads or
// writes. InBsTimeStamp is an input; everything else is output.
type bufferInfo struct {
	BufferStatus    int32
	InBsTimeStamp   uint64
	OutYUVTimeStamp uint64
	SystemBuffer    sysMemBuffer
}

// encParamBase mirrors SEncParamBase.
type encParamBase struct {
	Usage         UsageType
	Width         int32
	Height        int32
	TargetBitrate int32
	RCMode        int32
	MaxFrameRate  float32
}

// sourcePicture mirrors SSourcePicture. Planes reference Go memory that
// adapters must pin for the duration of the native call.
type sourcePicture struct {
	ColorFormat int32
	Stride      [4]int32
	Planes      [4][]byte
	Width       int32
	Height      int32
	Timestamp   int64
}

// layerBSInfo mirrors SLayerBSInfo. NALLengths and Buffer alias native
// memory owned by the encoder and are valid until the next EncodeFrame.
// NALCount is iNalCount as reported; adapters only fill NALLengths when it
// is positive and the length array is non-NULL. Buffer is sized to the sum
// of NALLengths when every length is non-negative and left empty otherwise.
type layerBSInfo struct {
	TemporalID uint8
	SpatialID  uint8
	QualityID  uint8
	FrameType  FrameType
	LayerType  uint8
	NALCount   int32
	NALLengths []int32
	Buffer     []byte
}

// frameBSInfo mirrors SFrameBSInfo.
type frameBSInfo struct {
	FrameType        FrameType
	FrameSizeInBytes int32
	Timestamp        int64
	Layers           []layerBSInfo
}

// nativeDecoder is the ISVCDecoder function table.
type nativeDecoder interface {
	Initialize(p *decodingParam) int
	SetOption(id decoderOption, value int32) int
	DecodeFrameNoDelay(src []byte, planes *[3]unsafe.Pointer, info *bufferInfo) int
	Uninitialize() int
	Destroy()
}

// nativeEncoder is the ISVCEncoder function table.
type nativeEncoder interface {
	Initialize(p *encParamBase) int
	SetOption(id encoderOption, value int32) int
	SetParamBase(p *encParamBase) int
	EncodeFrame(pic *sourcePicture, info *frameBSInfo) int
	ForceIntraFrame(idr bool) int
	Uninitialize() int
	Destroy()
}

// nativeTracer is implemented by handles that can route native log lines
// to Go.
type nativeTracer interface {
	SetTrace(fn func(level TraceLevel, msg string)) int
}

// nativeLibrary creates codec handles. A nil handle means the native
// allocator failed; status carries whatever the create call returned.
type nativeLibrary interface {
	CreateDecoder() (dec nativeDecoder, status int)
	CreateEncoder() (enc nativeEncoder, status int)
	Version() Version
}

// Version is the OpenH264 library version.
type Version struct {
	Major, Minor, Revision, Reserved uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

var (
	nativeOnce    sync.Once
	nativeLib     nativeLibrary
	nativeLoadErr error
)

func loadLibrary() (nativeLibrary, error) {
	nativeOnce.Do(func() {
		nativeLib, nativeLoadErr = openNativeLibrary()
	})
	return nativeLib, nativeLoadErr
}

// Available reports whether libopenh264 could be loaded.
func Available() bool {
	_, err := loadLibrary()
	return err == nil
}

// LibraryVersion returns the version of the loaded libopenh264.
func LibraryVersion() (Version, error) {
	lib, err := loadLibrary()
	if err != nil {
		return Version{}, err
	}
	return lib.Version(), nil
}
