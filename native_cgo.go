//go:build openh264cgo

// OpenH264 binding via cgo, linked against the system libopenh264 found by
// pkg-config. Select it with -tags openh264cgo.

package openh264

/*
#cgo pkg-config: openh264

#include <string.h>
#include <wels/codec_api.h>

extern void openh264GoTrace(void* ctx, int level, char* msg);

static long dec_initialize(ISVCDecoder* d, unsigned int cpuLoad, unsigned char dqLayer, int ec, int parseOnly, int bsType) {
	SDecodingParam p;
	memset(&p, 0, sizeof(p));
	p.uiCpuLoad = cpuLoad;
	p.uiTargetDqLayer = dqLayer;
	p.eEcActiveIdc = (ERROR_CON_IDC)ec;
	p.bParseOnly = parseOnly != 0;
	p.sVideoProperty.size = sizeof(p.sVideoProperty);
	p.sVideoProperty.eVideoBsType = (VIDEO_BITSTREAM_TYPE)bsType;
	return (*d)->Initialize(d, &p);
}

static long dec_uninitialize(ISVCDecoder* d) {
	return (*d)->Uninitialize(d);
}

static long dec_set_option_int(ISVCDecoder* d, int opt, int value) {
	return (*d)->SetOption(d, (DECODER_OPTION)opt, &value);
}

static long dec_set_trace(ISVCDecoder* d, void* ctx) {
	WelsTraceCallback cb = (WelsTraceCallback)openh264GoTrace;
	long rv = (*d)->SetOption(d, DECODER_OPTION_TRACE_CALLBACK_CONTEXT, &ctx);
	if (rv != 0) {
		return rv;
	}
	return (*d)->SetOption(d, DECODER_OPTION_TRACE_CALLBACK, &cb);
}

static int dec_decode(ISVCDecoder* d, const unsigned char* src, int len, unsigned char** dst, SBufferInfo* info) {
	return (int)(*d)->DecodeFrameNoDelay(d, src, len, dst, info);
}

static SSysMEMBuffer* dec_sysbuf(SBufferInfo* info) {
	return &info->UsrData.sSystemBuffer;
}

static void fill_param_base(SEncParamBase* p, int usage, int w, int h, int bitrate, int rc, float fps) {
	memset(p, 0, sizeof(*p));
	p->iUsageType = (EUsageType)usage;
	p->iPicWidth = w;
	p->iPicHeight = h;
	p->iTargetBitrate = bitrate;
	p->iRCMode = (RC_MODES)rc;
	p->fMaxFrameRate = fps;
}

static int enc_initialize(ISVCEncoder* e, int usage, int w, int h, int bitrate, int rc, float fps) {
	SEncParamBase p;
	fill_param_base(&p, usage, w, h, bitrate, rc, fps);
	return (*e)->Initialize(e, &p);
}

static int enc_set_param_base(ISVCEncoder* e, int usage, int w, int h, int bitrate, int rc, float fps) {
	SEncParamBase p;
	fill_param_base(&p, usage, w, h, bitrate, rc, fps);
	return (*e)->SetOption(e, ENCODER_OPTION_SVC_ENCODE_PARAM_BASE, &p);
}

static int enc_set_option_int(ISVCEncoder* e, int opt, int value) {
	return (*e)->SetOption(e, (ENCODER_OPTION)opt, &value);
}

static int enc_set_trace(ISVCEncoder* e, void* ctx) {
	WelsTraceCallback cb = (WelsTraceCallback)openh264GoTrace;
	int rv = (*e)->SetOption(e, ENCODER_OPTION_TRACE_CALLBACK_CONTEXT, &ctx);
	if (rv != 0) {
		return rv;
	}
	return (*e)->SetOption(e, ENCODER_OPTION_TRACE_CALLBACK, &cb);
}

static int enc_encode(ISVCEncoder* e, SSourcePicture* pic, SFrameBSInfo* info) {
	return (*e)->EncodeFrame(e, pic, info);
}

static int enc_force_intra(ISVCEncoder* e, int idr) {
	return (*e)->ForceIntraFrame(e, idr != 0, -1);
}

static int enc_uninitialize(ISVCEncoder* e) {
	return (*e)->Uninitialize(e);
}
*/
import "C"

import (
	"runtime"
	"unsafe"

	pointer "github.com/mattn/go-pointer"
)

func openNativeLibrary() (nativeLibrary, error) {
	return cgoLibrary{}, nil
}

type cgoLibrary struct{}

func (cgoLibrary) Version() Version {
	var v C.OpenH264Version
	C.WelsGetCodecVersionEx(&v)
	return Version{
		Major:    uint32(v.uMajor),
		Minor:    uint32(v.uMinor),
		Revision: uint32(v.uRevision),
		Reserved: uint32(v.uReserved),
	}
}

func (cgoLibrary) CreateDecoder() (nativeDecoder, int) {
	var d *C.ISVCDecoder
	rv := C.WelsCreateDecoder(&d)
	if rv != 0 || d == nil {
		if d != nil {
			C.WelsDestroyDecoder(d)
		}
		return nil, int(rv)
	}
	return &cgoDecoder{handle: d}, 0
}

func (cgoLibrary) CreateEncoder() (nativeEncoder, int) {
	var e *C.ISVCEncoder
	rv := C.WelsCreateSVCEncoder(&e)
	if rv != 0 || e == nil {
		if e != nil {
			C.WelsDestroySVCEncoder(e)
		}
		return nil, int(rv)
	}
	return &cgoEncoder{handle: e}, 0
}

type cgoDecoder struct {
	handle   *C.ISVCDecoder
	info     C.SBufferInfo
	traceCtx unsafe.Pointer
}

func (d *cgoDecoder) Initialize(p *decodingParam) int {
	parseOnly := 0
	if p.ParseOnly {
		parseOnly = 1
	}
	return int(C.dec_initialize(d.handle, C.uint(p.CPULoad), C.uchar(p.TargetDQLayer),
		C.int(p.ErrorConcealment), C.int(parseOnly), C.int(p.BitstreamType)))
}

func (d *cgoDecoder) SetOption(id decoderOption, value int32) int {
	return int(C.dec_set_option_int(d.handle, C.int(id), C.int(value)))
}

func (d *cgoDecoder) SetTrace(fn func(level TraceLevel, msg string)) int {
	if d.traceCtx != nil {
		pointer.Unref(d.traceCtx)
	}
	d.traceCtx = pointer.Save(fn)
	return int(C.dec_set_trace(d.handle, d.traceCtx))
}

func (d *cgoDecoder) DecodeFrameNoDelay(src []byte, planes *[3]unsafe.Pointer, info *bufferInfo) int {
	var dst [3]*C.uchar
	d.info = C.SBufferInfo{}
	d.info.uiInBsTimeStamp = C.ulonglong(info.InBsTimeStamp)

	rv := C.dec_decode(d.handle, (*C.uchar)(unsafe.Pointer(&src[0])), C.int(len(src)), &dst[0], &d.info)

	info.BufferStatus = int32(d.info.iBufferStatus)
	info.OutYUVTimeStamp = uint64(d.info.uiOutYuvTimeStamp)
	sb := C.dec_sysbuf(&d.info)
	info.SystemBuffer = sysMemBuffer{
		Width:  int32(sb.iWidth),
		Height: int32(sb.iHeight),
		Format: int32(sb.iFormat),
		Stride: [2]int32{int32(sb.iStride[0]), int32(sb.iStride[1])},
	}
	for i, p := range dst {
		planes[i] = unsafe.Pointer(p)
	}
	return int(rv)
}

func (d *cgoDecoder) Uninitialize() int {
	return int(C.dec_uninitialize(d.handle))
}

func (d *cgoDecoder) Destroy() {
	if d.handle != nil {
		C.WelsDestroyDecoder(d.handle)
		d.handle = nil
	}
	if d.traceCtx != nil {
		pointer.Unref(d.traceCtx)
		d.traceCtx = nil
	}
}

type cgoEncoder struct {
	handle   *C.ISVCEncoder
	pic      C.SSourcePicture
	bs       C.SFrameBSInfo
	traceCtx unsafe.Pointer
}

func (e *cgoEncoder) Initialize(p *encParamBase) int {
	return int(C.enc_initialize(e.handle, C.int(p.Usage), C.int(p.Width), C.int(p.Height),
		C.int(p.TargetBitrate), C.int(p.RCMode), C.float(p.MaxFrameRate)))
}

func (e *cgoEncoder) SetOption(id encoderOption, value int32) int {
	return int(C.enc_set_option_int(e.handle, C.int(id), C.int(value)))
}

func (e *cgoEncoder) SetParamBase(p *encParamBase) int {
	return int(C.enc_set_param_base(e.handle, C.int(p.Usage), C.int(p.Width), C.int(p.Height),
		C.int(p.TargetBitrate), C.int(p.RCMode), C.float(p.MaxFrameRate)))
}

func (e *cgoEncoder) SetTrace(fn func(level TraceLevel, msg string)) int {
	if e.traceCtx != nil {
		pointer.Unref(e.traceCtx)
	}
	e.traceCtx = pointer.Save(fn)
	return int(C.enc_set_trace(e.handle, e.traceCtx))
}

func (e *cgoEncoder) EncodeFrame(pic *sourcePicture, info *frameBSInfo) int {
	// The plane pointers are stored inside a struct in Go memory, which
	// cgo only permits for pinned objects.
	var pinner runtime.Pinner
	defer pinner.Unpin()

	e.pic = C.SSourcePicture{
		iColorFormat: C.int(pic.ColorFormat),
		iPicWidth:    C.int(pic.Width),
		iPicHeight:   C.int(pic.Height),
		uiTimeStamp:  C.longlong(pic.Timestamp),
	}
	for i := range pic.Planes {
		e.pic.iStride[i] = C.int(pic.Stride[i])
		if len(pic.Planes[i]) == 0 {
			continue
		}
		pinner.Pin(&pic.Planes[i][0])
		e.pic.pData[i] = (*C.uchar)(unsafe.Pointer(&pic.Planes[i][0]))
	}
	e.bs = C.SFrameBSInfo{}

	rv := C.enc_encode(e.handle, &e.pic, &e.bs)
	e.pic.pData = [4]*C.uchar{}

	info.FrameType = FrameType(e.bs.eFrameType)
	info.FrameSizeInBytes = int32(e.bs.iFrameSizeInBytes)
	info.Timestamp = int64(e.bs.uiTimeStamp)
	info.Layers = info.Layers[:0]

	layers := int(e.bs.iLayerNum)
	if layers > maxLayerNumOfFrame {
		layers = maxLayerNumOfFrame
	}
	for i := 0; i < layers; i++ {
		l := &e.bs.sLayerInfo[i]
		out := layerBSInfo{
			TemporalID: uint8(l.uiTemporalId),
			SpatialID:  uint8(l.uiSpatialId),
			QualityID:  uint8(l.uiQualityId),
			FrameType:  FrameType(l.eFrameType),
			LayerType:  uint8(l.uiLayerType),
			NALCount:   int32(l.iNalCount),
		}
		if l.iNalCount > 0 && l.pNalLengthInByte != nil {
			out.NALLengths = unsafe.Slice((*int32)(unsafe.Pointer(l.pNalLengthInByte)), int(l.iNalCount))
			total, ok := 0, true
			for _, n := range out.NALLengths {
				if n < 0 {
					ok = false
					break
				}
				total += int(n)
			}
			if ok && total > 0 && l.pBsBuf != nil {
				out.Buffer = unsafe.Slice((*byte)(unsafe.Pointer(l.pBsBuf)), total)
			}
		}
		info.Layers = append(info.Layers, out)
	}
	return int(rv)
}

func (e *cgoEncoder) ForceIntraFrame(idr bool) int {
	v := 0
	if idr {
		v = 1
	}
	return int(C.enc_force_intra(e.handle, C.int(v)))
}

func (e *cgoEncoder) Uninitialize() int {
	return int(C.enc_uninitialize(e.handle))
}

func (e *cgoEncoder) Destroy() {
	if e.handle != nil {
		C.WelsDestroySVCEncoder(e.handle)
		e.handle = nil
	}
	if e.traceCtx != nil {
		pointer.Unref(e.traceCtx)
		e.traceCtx = nil
	}
}
