//go:build (darwin || linux) && !openh264cgo

// OpenH264 binding via purego. The library is dlopen'ed at first use and
// the ISVCDecoder/ISVCEncoder function tables are called through
// purego.SyscallN, so no C toolchain is needed (CGO_ENABLED=0 works).

package openh264

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	pointer "github.com/mattn/go-pointer"
)

// Exported libopenh264 symbols.
var (
	welsCreateDecoder     func(ppDecoder uintptr) int64
	welsDestroyDecoder    func(pDecoder uintptr)
	welsCreateSVCEncoder  func(ppEncoder uintptr) int32
	welsDestroySVCEncoder func(pEncoder uintptr)
	welsGetCodecVersionEx func(pVersion uintptr)
)

// Function table slots. The order follows ISVCDecoderVtbl and
// ISVCEncoderVtbl in codec_api.h.
const (
	decSlotInitialize         = 0
	decSlotUninitialize       = 1
	decSlotDecodeFrameNoDelay = 3
	decSlotSetOption          = 8

	encSlotInitialize      = 0
	encSlotUninitialize    = 3
	encSlotEncodeFrame     = 4
	encSlotForceIntraFrame = 6
	encSlotSetOption       = 7
)

// C layouts. Field order and widths match the 64-bit ABI of the structs in
// codec_app_def.h; Go inserts the same padding a C compiler would.

type cDecodingParam struct {
	pFileNameRestructed uintptr
	uiCpuLoad           uint32
	uiTargetDqLayer     uint8
	eEcActiveIdc        int32
	bParseOnly          bool
	videoPropertySize   uint32
	eVideoBsType        int32
}

type cSysMemBuffer struct {
	iWidth  int32
	iHeight int32
	iFormat int32
	iStride [2]int32
}

type cBufferInfo struct {
	iBufferStatus     int32
	uiInBsTimeStamp   uint64
	uiOutYuvTimeStamp uint64
	sSystemBuffer     cSysMemBuffer
	pDst              [3]uintptr
}

type cEncParamBase struct {
	iUsageType     int32
	iPicWidth      int32
	iPicHeight     int32
	iTargetBitrate int32
	iRCMode        int32
	fMaxFrameRate  float32
}

type cSourcePicture struct {
	iColorFormat int32
	iStride      [4]int32
	pData        [4]uintptr
	iPicWidth    int32
	iPicHeight   int32
	uiTimeStamp  int64
}

type cLayerBSInfo struct {
	uiTemporalId     uint8
	uiSpatialId      uint8
	uiQualityId      uint8
	eFrameType       int32
	uiLayerType      uint8
	iSubSeqId        int32
	iNalCount        int32
	pNalLengthInByte uintptr
	pBsBuf           uintptr
}

type cFrameBSInfo struct {
	iLayerNum         int32
	sLayerInfo        [maxLayerNumOfFrame]cLayerBSInfo
	eFrameType        int32
	iFrameSizeInBytes int32
	uiTimeStamp       int64
}

type cVersion struct {
	uMajor, uMinor, uRevision, uReserved uint32
}

func openNativeLibrary() (nativeLibrary, error) {
	var lastErr error
	for _, path := range libraryPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := registerSymbols(handle); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return &puregoLibrary{handle: handle}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrLibraryNotFound, lastErr)
	}
	return nil, ErrLibraryNotFound
}

func registerSymbols(handle uintptr) error {
	symbols := []struct {
		name string
		fn   any
	}{
		{"WelsCreateDecoder", &welsCreateDecoder},
		{"WelsDestroyDecoder", &welsDestroyDecoder},
		{"WelsCreateSVCEncoder", &welsCreateSVCEncoder},
		{"WelsDestroySVCEncoder", &welsDestroySVCEncoder},
		{"WelsGetCodecVersionEx", &welsGetCodecVersionEx},
	}
	for _, s := range symbols {
		addr, err := purego.Dlsym(handle, s.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", s.name, err)
		}
		purego.RegisterFunc(s.fn, addr)
	}
	return nil
}

type puregoLibrary struct {
	handle uintptr
}

func (l *puregoLibrary) Version() Version {
	v := new(cVersion)
	welsGetCodecVersionEx(uintptr(unsafe.Pointer(v)))
	runtime.KeepAlive(v)
	return Version{Major: v.uMajor, Minor: v.uMinor, Revision: v.uRevision, Reserved: v.uReserved}
}

func (l *puregoLibrary) CreateDecoder() (nativeDecoder, int) {
	out := new(uintptr)
	rv := welsCreateDecoder(uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(out)
	if rv != 0 || *out == 0 {
		if *out != 0 {
			welsDestroyDecoder(*out)
		}
		return nil, int(rv)
	}
	return &puregoDecoder{
		handle: *out,
		param:  new(cDecodingParam),
		info:   new(cBufferInfo),
		dst:    new([3]uintptr),
		opt:    new(uintptr),
	}, 0
}

func (l *puregoLibrary) CreateEncoder() (nativeEncoder, int) {
	out := new(uintptr)
	rv := welsCreateSVCEncoder(uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(out)
	if rv != 0 || *out == 0 {
		if *out != 0 {
			welsDestroySVCEncoder(*out)
		}
		return nil, int(rv)
	}
	return &puregoEncoder{
		handle: *out,
		param:  new(cEncParamBase),
		pic:    new(cSourcePicture),
		bs:     new(cFrameBSInfo),
		opt:    new(uintptr),
	}, 0
}

// vtableSlot reads entry index of the function table the handle points at.
func vtableSlot(handle uintptr, index int) uintptr {
	vtbl := *(*unsafe.Pointer)(unsafe.Pointer(handle))
	return *(*uintptr)(unsafe.Add(vtbl, index*int(unsafe.Sizeof(uintptr(0)))))
}

func callSlot(handle uintptr, index int, args ...uintptr) int {
	r1, _, _ := purego.SyscallN(vtableSlot(handle, index), append([]uintptr{handle}, args...)...)
	return int(int32(r1))
}

// Decoder handles and the structs handed to them live on the Go heap so
// their addresses stay put for the duration of each native call.
type puregoDecoder struct {
	handle   uintptr
	param    *cDecodingParam
	info     *cBufferInfo
	dst      *[3]uintptr
	opt      *uintptr
	traceCtx unsafe.Pointer
}

func (d *puregoDecoder) Initialize(p *decodingParam) int {
	*d.param = cDecodingParam{
		uiCpuLoad:         p.CPULoad,
		uiTargetDqLayer:   p.TargetDQLayer,
		eEcActiveIdc:      int32(p.ErrorConcealment),
		bParseOnly:        p.ParseOnly,
		videoPropertySize: 8,
		eVideoBsType:      p.BitstreamType,
	}
	rv := callSlot(d.handle, decSlotInitialize, uintptr(unsafe.Pointer(d.param)))
	runtime.KeepAlive(d.param)
	return rv
}

func (d *puregoDecoder) SetOption(id decoderOption, value int32) int {
	*d.opt = uintptr(uint32(value))
	rv := callSlot(d.handle, decSlotSetOption, uintptr(id), uintptr(unsafe.Pointer(d.opt)))
	runtime.KeepAlive(d.opt)
	return rv
}

func (d *puregoDecoder) SetTrace(fn func(level TraceLevel, msg string)) int {
	cb := traceCallback()
	if cb == 0 {
		return -1
	}
	if d.traceCtx != nil {
		pointer.Unref(d.traceCtx)
	}
	d.traceCtx = pointer.Save(fn)

	*d.opt = uintptr(d.traceCtx)
	if rv := callSlot(d.handle, decSlotSetOption, uintptr(decoderOptionTraceCallbackContext), uintptr(unsafe.Pointer(d.opt))); rv != 0 {
		return rv
	}
	*d.opt = cb
	rv := callSlot(d.handle, decSlotSetOption, uintptr(decoderOptionTraceCallback), uintptr(unsafe.Pointer(d.opt)))
	runtime.KeepAlive(d.opt)
	return rv
}

func (d *puregoDecoder) DecodeFrameNoDelay(src []byte, planes *[3]unsafe.Pointer, info *bufferInfo) int {
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&src[0])

	*d.dst = [3]uintptr{}
	d.info.iBufferStatus = 0
	d.info.uiInBsTimeStamp = info.InBsTimeStamp

	rv := callSlot(d.handle, decSlotDecodeFrameNoDelay,
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(len(src)),
		uintptr(unsafe.Pointer(d.dst)),
		uintptr(unsafe.Pointer(d.info)),
	)
	runtime.KeepAlive(d.dst)
	runtime.KeepAlive(d.info)

	info.BufferStatus = d.info.iBufferStatus
	info.OutYUVTimeStamp = d.info.uiOutYuvTimeStamp
	sb := d.info.sSystemBuffer
	info.SystemBuffer = sysMemBuffer{
		Width:  sb.iWidth,
		Height: sb.iHeight,
		Format: sb.iFormat,
		Stride: sb.iStride,
	}
	for i, p := range d.dst {
		planes[i] = unsafe.Pointer(p)
	}
	return rv
}

func (d *puregoDecoder) Uninitialize() int {
	return callSlot(d.handle, decSlotUninitialize)
}

func (d *puregoDecoder) Destroy() {
	if d.handle != 0 {
		welsDestroyDecoder(d.handle)
		d.handle = 0
	}
	if d.traceCtx != nil {
		pointer.Unref(d.traceCtx)
		d.traceCtx = nil
	}
}

type puregoEncoder struct {
	handle   uintptr
	param    *cEncParamBase
	pic      *cSourcePicture
	bs       *cFrameBSInfo
	opt      *uintptr
	traceCtx unsafe.Pointer
}

func (e *puregoEncoder) fillParam(p *encParamBase) {
	*e.param = cEncParamBase{
		iUsageType:     int32(p.Usage),
		iPicWidth:      p.Width,
		iPicHeight:     p.Height,
		iTargetBitrate: p.TargetBitrate,
		iRCMode:        p.RCMode,
		fMaxFrameRate:  p.MaxFrameRate,
	}
}

func (e *puregoEncoder) Initialize(p *encParamBase) int {
	e.fillParam(p)
	rv := callSlot(e.handle, encSlotInitialize, uintptr(unsafe.Pointer(e.param)))
	runtime.KeepAlive(e.param)
	return rv
}

func (e *puregoEncoder) SetOption(id encoderOption, value int32) int {
	*e.opt = uintptr(uint32(value))
	rv := callSlot(e.handle, encSlotSetOption, uintptr(id), uintptr(unsafe.Pointer(e.opt)))
	runtime.KeepAlive(e.opt)
	return rv
}

func (e *puregoEncoder) SetParamBase(p *encParamBase) int {
	e.fillParam(p)
	rv := callSlot(e.handle, encSlotSetOption, uintptr(encoderOptionSVCEncodeParamBase), uintptr(unsafe.Pointer(e.param)))
	runtime.KeepAlive(e.param)
	return rv
}

func (e *puregoEncoder) SetTrace(fn func(level TraceLevel, msg string)) int {
	cb := traceCallback()
	if cb == 0 {
		return -1
	}
	if e.traceCtx != nil {
		pointer.Unref(e.traceCtx)
	}
	e.traceCtx = pointer.Save(fn)

	*e.opt = uintptr(e.traceCtx)
	if rv := callSlot(e.handle, encSlotSetOption, uintptr(encoderOptionTraceCallbackContext), uintptr(unsafe.Pointer(e.opt))); rv != 0 {
		return rv
	}
	*e.opt = cb
	rv := callSlot(e.handle, encSlotSetOption, uintptr(encoderOptionTraceCallback), uintptr(unsafe.Pointer(e.opt)))
	runtime.KeepAlive(e.opt)
	return rv
}

func (e *puregoEncoder) EncodeFrame(pic *sourcePicture, info *frameBSInfo) int {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	*e.pic = cSourcePicture{
		iColorFormat: pic.ColorFormat,
		iStride:      pic.Stride,
		iPicWidth:    pic.Width,
		iPicHeight:   pic.Height,
		uiTimeStamp:  pic.Timestamp,
	}
	for i, plane := range pic.Planes {
		if len(plane) == 0 {
			continue
		}
		pinner.Pin(&plane[0])
		e.pic.pData[i] = uintptr(unsafe.Pointer(&plane[0]))
	}
	*e.bs = cFrameBSInfo{}

	rv := callSlot(e.handle, encSlotEncodeFrame, uintptr(unsafe.Pointer(e.pic)), uintptr(unsafe.Pointer(e.bs)))
	runtime.KeepAlive(e.pic)
	runtime.KeepAlive(e.bs)

	info.FrameType = FrameType(e.bs.eFrameType)
	info.FrameSizeInBytes = e.bs.iFrameSizeInBytes
	info.Timestamp = e.bs.uiTimeStamp
	info.Layers = info.Layers[:0]

	layers := int(e.bs.iLayerNum)
	if layers > maxLayerNumOfFrame {
		layers = maxLayerNumOfFrame
	}
	for i := 0; i < layers; i++ {
		info.Layers = append(info.Layers, convertLayer(&e.bs.sLayerInfo[i]))
	}
	return rv
}

// convertLayer builds views over the native NAL length array and
// bitstream buffer of one layer.
func convertLayer(l *cLayerBSInfo) layerBSInfo {
	out := layerBSInfo{
		TemporalID: l.uiTemporalId,
		SpatialID:  l.uiSpatialId,
		QualityID:  l.uiQualityId,
		FrameType:  FrameType(l.eFrameType),
		LayerType:  l.uiLayerType,
		NALCount:   l.iNalCount,
	}
	if l.iNalCount <= 0 || l.pNalLengthInByte == 0 {
		return out
	}
	out.NALLengths = unsafe.Slice((*int32)(unsafe.Pointer(l.pNalLengthInByte)), int(l.iNalCount))

	total := 0
	for _, n := range out.NALLengths {
		if n < 0 {
			return out
		}
		total += int(n)
	}
	if total > 0 && l.pBsBuf != 0 {
		out.Buffer = unsafe.Slice((*byte)(unsafe.Pointer(l.pBsBuf)), total)
	}
	return out
}

func (e *puregoEncoder) ForceIntraFrame(idr bool) int {
	var b uintptr
	if idr {
		b = 1
	}
	// The second argument is iLayerId; -1 means all layers.
	return callSlot(e.handle, encSlotForceIntraFrame, b, ^uintptr(0))
}

func (e *puregoEncoder) Uninitialize() int {
	return callSlot(e.handle, encSlotUninitialize)
}

func (e *puregoEncoder) Destroy() {
	if e.handle != 0 {
		welsDestroySVCEncoder(e.handle)
		e.handle = 0
	}
	if e.traceCtx != nil {
		pointer.Unref(e.traceCtx)
		e.traceCtx = nil
	}
}

// traceCallback returns the C-callable trampoline installed as
// WelsTraceCallback. purego callbacks are never freed, so one is shared by
// every handle; the per-handle Go function travels in the context pointer.
var traceCallback = sync.OnceValue(func() uintptr {
	return purego.NewCallback(func(ctx, level, msg uintptr) {
		if ctx == 0 {
			return
		}
		fn, ok := pointer.Restore(unsafe.Pointer(ctx)).(func(TraceLevel, string))
		if !ok {
			return
		}
		fn(TraceLevel(int32(level)), strings.TrimRight(goStringFromPtr(msg), "\r\n"))
	})
})

// goStringFromPtr copies a NUL-terminated C string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	n := 0
	for n < 4096 && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
