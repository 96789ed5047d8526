package openh264

import (
	"fmt"
	"unsafe"
)

// fakeLibrary is a nativeLibrary backed by Go memory. Tests script its
// handles to reproduce native behaviour without libopenh264.
type fakeLibrary struct {
	dec *fakeDecoder
	enc *fakeEncoder

	createStatus int // returned with a nil handle when the handle is nil
}

func (l *fakeLibrary) CreateDecoder() (nativeDecoder, int) {
	if l.dec == nil {
		return nil, l.createStatus
	}
	return l.dec, 0
}

func (l *fakeLibrary) CreateEncoder() (nativeEncoder, int) {
	if l.enc == nil {
		return nil, l.createStatus
	}
	return l.enc, 0
}

func (l *fakeLibrary) Version() Version {
	return Version{Major: 2, Minor: 4, Revision: 1}
}

// decodeResult is one scripted DecodeFrameNoDelay outcome.
type decodeResult struct {
	status int
	info   bufferInfo
	planes [3][]byte
}

type fakeDecoder struct {
	calls []string

	initParam    decodingParam
	initStatus   int
	optionStatus map[decoderOption]int
	uninitStatus int

	results      []decodeResult // consumed in order; empty means status 0, no frame
	inputs       [][]byte
	inTimestamps []uint64
	current      [3][]byte

	trace func(TraceLevel, string)
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{optionStatus: map[decoderOption]int{}}
}

func (f *fakeDecoder) Initialize(p *decodingParam) int {
	f.calls = append(f.calls, "Initialize")
	f.initParam = *p
	return f.initStatus
}

func (f *fakeDecoder) SetOption(id decoderOption, value int32) int {
	f.calls = append(f.calls, fmt.Sprintf("SetOption(%d=%d)", id, value))
	return f.optionStatus[id]
}

func (f *fakeDecoder) SetTrace(fn func(TraceLevel, string)) int {
	f.calls = append(f.calls, "SetTrace")
	f.trace = fn
	return 0
}

func (f *fakeDecoder) DecodeFrameNoDelay(src []byte, planes *[3]unsafe.Pointer, info *bufferInfo) int {
	f.inputs = append(f.inputs, append([]byte(nil), src...))
	f.inTimestamps = append(f.inTimestamps, info.InBsTimeStamp)
	if len(f.results) == 0 {
		return 0
	}
	r := f.results[0]
	f.results = f.results[1:]

	in := info.InBsTimeStamp
	*info = r.info
	info.InBsTimeStamp = in
	f.current = r.planes
	for i, p := range r.planes {
		if len(p) > 0 {
			planes[i] = unsafe.Pointer(&p[0])
		}
	}
	return r.status
}

func (f *fakeDecoder) Uninitialize() int {
	f.calls = append(f.calls, "Uninitialize")
	return f.uninitStatus
}

func (f *fakeDecoder) Destroy() {
	f.calls = append(f.calls, "Destroy")
}

func (f *fakeDecoder) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// paddedFrame builds a decode result for a width x height picture whose
// rows are padded to the given strides. Visible samples follow a
// per-plane pattern; padding is 0xEE so leaks are easy to spot.
func paddedFrame(width, height, lumaStride, chromaStride int) decodeResult {
	cw, ch := width/2, height/2
	y := make([]byte, lumaStride*height)
	u := make([]byte, chromaStride*ch)
	v := make([]byte, chromaStride*ch)
	for i := range y {
		y[i] = 0xEE
	}
	for i := range u {
		u[i], v[i] = 0xEE, 0xEE
	}
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			y[row*lumaStride+col] = byte(row*width + col)
		}
	}
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			u[row*chromaStride+col] = byte(100 + row*cw + col)
			v[row*chromaStride+col] = byte(200 + row*cw + col)
		}
	}
	return decodeResult{
		info: bufferInfo{
			BufferStatus:    bufferStatusFrameReady,
			OutYUVTimeStamp: 1234,
			SystemBuffer: sysMemBuffer{
				Width:  int32(width),
				Height: int32(height),
				Format: videoFormatI420,
				Stride: [2]int32{int32(lumaStride), int32(chromaStride)},
			},
		},
		planes: [3][]byte{y, u, v},
	}
}

// packedI420 is what Save must produce for paddedFrame(width, height, ...).
func packedI420(width, height int) []byte {
	cw, ch := width/2, height/2
	out := make([]byte, 0, I420Size(width, height))
	for i := 0; i < width*height; i++ {
		out = append(out, byte(i))
	}
	for i := 0; i < cw*ch; i++ {
		out = append(out, byte(100+i))
	}
	for i := 0; i < cw*ch; i++ {
		out = append(out, byte(200+i))
	}
	return out
}

type fakeEncoder struct {
	calls []string

	initParam    encParamBase
	paramBase    *encParamBase
	options      map[encoderOption]int32
	initStatus   int
	optionStatus map[encoderOption]int
	uninitStatus int
	forceStatus  int

	// encode fills info for each call; nil leaves an empty, non-skip frame.
	encode   func(pic *sourcePicture, info *frameBSInfo) int
	pictures []sourcePicture
	forced   int

	trace func(TraceLevel, string)
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		options:      map[encoderOption]int32{},
		optionStatus: map[encoderOption]int{},
	}
}

func (f *fakeEncoder) Initialize(p *encParamBase) int {
	f.calls = append(f.calls, "Initialize")
	f.initParam = *p
	return f.initStatus
}

func (f *fakeEncoder) SetOption(id encoderOption, value int32) int {
	f.calls = append(f.calls, fmt.Sprintf("SetOption(%d=%d)", id, value))
	f.options[id] = value
	return f.optionStatus[id]
}

func (f *fakeEncoder) SetParamBase(p *encParamBase) int {
	f.calls = append(f.calls, "SetParamBase")
	cp := *p
	f.paramBase = &cp
	return f.optionStatus[encoderOptionSVCEncodeParamBase]
}

func (f *fakeEncoder) SetTrace(fn func(TraceLevel, string)) int {
	f.calls = append(f.calls, "SetTrace")
	f.trace = fn
	return 0
}

func (f *fakeEncoder) EncodeFrame(pic *sourcePicture, info *frameBSInfo) int {
	f.pictures = append(f.pictures, *pic)
	*info = frameBSInfo{FrameType: FrameTypeP, Layers: info.Layers[:0]}
	if f.encode == nil {
		return 0
	}
	return f.encode(pic, info)
}

func (f *fakeEncoder) ForceIntraFrame(idr bool) int {
	f.calls = append(f.calls, fmt.Sprintf("ForceIntraFrame(%v)", idr))
	f.forced++
	return f.forceStatus
}

func (f *fakeEncoder) Uninitialize() int {
	f.calls = append(f.calls, "Uninitialize")
	return f.uninitStatus
}

func (f *fakeEncoder) Destroy() {
	f.calls = append(f.calls, "Destroy")
}

func (f *fakeEncoder) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// layer builds a well-formed layer from NAL payloads.
func layer(frameType FrameType, nals ...[]byte) layerBSInfo {
	l := layerBSInfo{FrameType: frameType, NALCount: int32(len(nals))}
	for _, n := range nals {
		l.NALLengths = append(l.NALLengths, int32(len(n)))
		l.Buffer = append(l.Buffer, n...)
	}
	return l
}

// emit returns an encode script producing the given layers.
func emit(frameType FrameType, layers ...layerBSInfo) func(*sourcePicture, *frameBSInfo) int {
	return func(_ *sourcePicture, info *frameBSInfo) int {
		info.FrameType = frameType
		info.Layers = append(info.Layers, layers...)
		return 0
	}
}

// recordWriter keeps every Write as a separate chunk.
type recordWriter struct {
	chunks  [][]byte
	failAt  int // 1-based write index that fails; 0 never fails
	failErr error
}

func (w *recordWriter) Write(p []byte) (int, error) {
	if w.failAt > 0 && len(w.chunks)+1 == w.failAt {
		return 0, w.failErr
	}
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func (w *recordWriter) bytes() []byte {
	var out []byte
	for _, c := range w.chunks {
		out = append(out, c...)
	}
	return out
}
