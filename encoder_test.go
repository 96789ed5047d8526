package openh264

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEncoder(t *testing.T, fake *fakeEncoder, width, height int, opts ...EncoderOption) *Encoder {
	t.Helper()
	opts = append([]EncoderOption{withEncoderLibrary(&fakeLibrary{enc: fake}), WithEncoderLogger(zaptest.NewLogger(t))}, opts...)
	e, err := NewEncoder(width, height, 500_000, opts...)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewEncoder_Configuration(t *testing.T) {
	fake := newFakeEncoder()
	newTestEncoder(t, fake, 320, 240)

	want := encParamBase{
		Usage:         UsageScreenRealTime,
		Width:         320,
		Height:        240,
		TargetBitrate: 500_000,
		RCMode:        rcBitrateMode,
		MaxFrameRate:  25,
	}
	if fake.initParam != want {
		t.Errorf("init param = %+v, want %+v", fake.initParam, want)
	}
	if fake.paramBase == nil || *fake.paramBase != want {
		t.Errorf("re-applied param base = %+v, want %+v", fake.paramBase, want)
	}
	wantCalls := []string{"Initialize", "SetOption(25=2)", "SetOption(0=23)", "SetParamBase"}
	if !reflect.DeepEqual(fake.calls, wantCalls) {
		t.Errorf("native calls = %v, want %v", fake.calls, wantCalls)
	}
}

func TestNewEncoder_Options(t *testing.T) {
	fake := newFakeEncoder()
	newTestEncoder(t, fake, 640, 480,
		WithUsage(UsageCameraRealTime),
		WithMaxFrameRate(30),
		WithEncoderTraceLevel(TraceQuiet),
	)
	if fake.initParam.Usage != UsageCameraRealTime {
		t.Errorf("usage = %v, want CameraRealTime", fake.initParam.Usage)
	}
	if fake.initParam.MaxFrameRate != 30 {
		t.Errorf("max frame rate = %v, want 30", fake.initParam.MaxFrameRate)
	}
	if got := fake.options[encoderOptionTraceLevel]; got != int32(TraceQuiet) {
		t.Errorf("trace level = %d, want %d", got, TraceQuiet)
	}
}

func TestNewEncoder_InvalidConfig(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		bitrate       int
		opts          []EncoderOption
	}{
		{"zero width", 0, 240, 100_000, nil},
		{"negative height", 320, -1, 100_000, nil},
		{"zero bitrate", 320, 240, 0, nil},
		{"zero frame rate", 320, 240, 100_000, []EncoderOption{WithMaxFrameRate(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			opts := append([]EncoderOption{withEncoderLibrary(&fakeLibrary{enc: fake})}, tt.opts...)
			_, err := NewEncoder(tt.width, tt.height, tt.bitrate, opts...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewEncoder() error = %v, want ErrInvalidConfig", err)
			}
			if len(fake.calls) != 0 {
				t.Errorf("native calls made for invalid config: %v", fake.calls)
			}
		})
	}
}

func TestNewEncoder_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeLibrary)
		wantErr   error
		wantOp    string
		wantCalls []string
	}{
		{
			name:    "nil handle",
			setup:   func(l *fakeLibrary) { l.enc = nil; l.createStatus = 1 },
			wantErr: ErrCreateFailed,
			wantOp:  "WelsCreateSVCEncoder",
		},
		{
			name:      "initialize fails",
			setup:     func(l *fakeLibrary) { l.enc.initStatus = 1 },
			wantErr:   ErrInitFailed,
			wantOp:    "Initialize",
			wantCalls: []string{"Initialize", "Destroy"},
		},
		{
			name:      "data format rejected",
			setup:     func(l *fakeLibrary) { l.enc.optionStatus[encoderOptionDataFormat] = 1 },
			wantErr:   ErrInitFailed,
			wantOp:    "SetOption(ENCODER_OPTION_DATAFORMAT)",
			wantCalls: []string{"Initialize", "SetOption(25=2)", "SetOption(0=23)", "Uninitialize", "Destroy"},
		},
		{
			name:      "param base rejected",
			setup:     func(l *fakeLibrary) { l.enc.optionStatus[encoderOptionSVCEncodeParamBase] = 1 },
			wantErr:   ErrInitFailed,
			wantOp:    "SetOption(ENCODER_OPTION_SVC_ENCODE_PARAM_BASE)",
			wantCalls: []string{"Initialize", "SetOption(25=2)", "SetOption(0=23)", "SetParamBase", "Uninitialize", "Destroy"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := &fakeLibrary{enc: newFakeEncoder()}
			fake := lib.enc
			tt.setup(lib)

			e, err := NewEncoder(320, 240, 100_000, withEncoderLibrary(lib))
			if e != nil {
				t.Fatal("NewEncoder() returned an encoder on failure")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewEncoder() error = %v, want %v", err, tt.wantErr)
			}
			var cv *ContractViolationError
			if !errors.As(err, &cv) || cv.Op != tt.wantOp {
				t.Errorf("NewEncoder() error = %#v, want op %q", err, tt.wantOp)
			}
			if tt.wantCalls != nil && !reflect.DeepEqual(fake.calls, tt.wantCalls) {
				t.Errorf("native calls = %v, want %v", fake.calls, tt.wantCalls)
			}
		})
	}
}

func TestMustNewEncoder_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustNewEncoder() did not panic")
		}
	}()
	MustNewEncoder(320, 240, 0, withEncoderLibrary(&fakeLibrary{enc: newFakeEncoder()}))
}

func TestEncoder_NALReframing(t *testing.T) {
	a := []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1E}
	b := []byte{0, 0, 0, 1, 0x68, 0xCE}
	c := []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x10}
	d := []byte{0, 0, 0, 1, 0x41, 0x9A}

	tests := []struct {
		name   string
		layers []layerBSInfo
		want   [][]byte
	}{
		{"one layer", []layerBSInfo{layer(FrameTypeIDR, a, b, c)}, [][]byte{a, b, c}},
		{"two layers in order", []layerBSInfo{layer(FrameTypeIDR, a, b), layer(FrameTypeIDR, c, d)}, [][]byte{a, b, c, d}},
		{"empty NAL skipped", []layerBSInfo{layer(FrameTypeP, a, nil, d)}, [][]byte{a, d}},
		{"layer without NALs", []layerBSInfo{layer(FrameTypeP), layer(FrameTypeP, d)}, [][]byte{d}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			fake.encode = emit(FrameTypeIDR, tt.layers...)
			e := newTestEncoder(t, fake, 16, 16)

			var w recordWriter
			if err := e.Encode(NewPicture(16, 16), &w); err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !reflect.DeepEqual(w.chunks, tt.want) {
				t.Errorf("writes = %x, want %x", w.chunks, tt.want)
			}
			var total int
			for _, n := range tt.want {
				total += len(n)
			}
			s := e.Stats()
			if s.NALsWritten != uint64(len(tt.want)) || s.BytesWritten != uint64(total) || s.FramesEncoded != 1 || s.KeyframesEncoded != 1 {
				t.Errorf("Stats() = %+v", s)
			}
		})
	}
}

func TestEncoder_SkipFrame(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fake := newFakeEncoder()
	fake.encode = emit(FrameTypeSkip, layer(FrameTypeSkip, []byte{0, 0, 0, 1, 0x01}))
	e := newTestEncoder(t, fake, 16, 16, WithEncoderLogger(zap.New(core)))

	var w recordWriter
	if err := e.Encode(NewPicture(16, 16), &w); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(w.chunks) != 0 {
		t.Errorf("skip frame wrote %d chunks", len(w.chunks))
	}
	if s := e.Stats(); s.SkippedFrames != 1 || s.FramesEncoded != 0 {
		t.Errorf("Stats() = %+v", s)
	}
	skipped := logs.FilterMessage("frame skipped").AllUntimed()
	if len(skipped) != 1 || skipped[0].Level != zapcore.DebugLevel {
		t.Errorf("skip log entries = %+v, want one debug entry", skipped)
	}
}

func TestEncoder_NALLengthMismatch(t *testing.T) {
	good := layer(FrameTypeIDR, []byte{0, 0, 0, 1, 0x67}, []byte{0, 0, 0, 1, 0x68})

	tests := []struct {
		name  string
		layer layerBSInfo
	}{
		{"lengths exceed buffer", layerBSInfo{NALCount: 2, NALLengths: []int32{4, 8}, Buffer: make([]byte, 10)}},
		{"lengths short of buffer", layerBSInfo{NALCount: 2, NALLengths: []int32{4, 4}, Buffer: make([]byte, 10)}},
		{"negative length", layerBSInfo{NALCount: 2, NALLengths: []int32{12, -2}, Buffer: nil}},
		{"missing length array", layerBSInfo{NALCount: 3, Buffer: make([]byte, 10)}},
		{"negative count", layerBSInfo{NALCount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			// The good layer comes first; nothing may be written before the
			// bad one is detected.
			fake.encode = emit(FrameTypeIDR, good, tt.layer)
			e := newTestEncoder(t, fake, 16, 16)

			var w recordWriter
			err := e.Encode(NewPicture(16, 16), &w)
			if !errors.Is(err, ErrNALLengthMismatch) || !IsContractViolation(err) {
				t.Fatalf("Encode() error = %v, want contract violation ErrNALLengthMismatch", err)
			}
			if len(w.chunks) != 0 {
				t.Errorf("partial output written: %x", w.chunks)
			}
		})
	}
}

func TestEncoder_FrameSize(t *testing.T) {
	sps := []byte{0, 0, 0, 1}
	pps := []byte{0, 0, 0, 1, 0x68, 0xCE}

	tests := []struct {
		name      string
		frameSize int32
		wantErr   bool
	}{
		{"matches", 10, false},
		{"not reported", 0, false},
		{"smaller than layers", 2, true},
		{"larger than layers", 64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			fake.encode = func(_ *sourcePicture, info *frameBSInfo) int {
				info.FrameType = FrameTypeIDR
				info.FrameSizeInBytes = tt.frameSize
				info.Layers = append(info.Layers, layer(FrameTypeIDR, sps, pps))
				return 0
			}
			e := newTestEncoder(t, fake, 16, 16)

			var w recordWriter
			err := e.Encode(NewPicture(16, 16), &w)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				if len(w.chunks) != 2 {
					t.Errorf("wrote %d chunks, want 2", len(w.chunks))
				}
				return
			}
			if !errors.Is(err, ErrNALLengthMismatch) || !IsContractViolation(err) {
				t.Fatalf("Encode() error = %v, want contract violation ErrNALLengthMismatch", err)
			}
			if len(w.chunks) != 0 {
				t.Errorf("partial output written: %x", w.chunks)
			}
		})
	}
}

func TestEncoder_WriteError(t *testing.T) {
	a := []byte{0, 0, 0, 1, 0x67}
	b := []byte{0, 0, 0, 1, 0x68}
	c := []byte{0, 0, 0, 1, 0x65}
	sinkErr := errors.New("disk full")

	fake := newFakeEncoder()
	fake.encode = emit(FrameTypeIDR, layer(FrameTypeIDR, a, b, c))
	e := newTestEncoder(t, fake, 16, 16)

	w := &recordWriter{failAt: 2, failErr: sinkErr}
	err := e.Encode(NewPicture(16, 16), w)
	if !errors.Is(err, sinkErr) {
		t.Fatalf("Encode() error = %v, want %v", err, sinkErr)
	}
	if !reflect.DeepEqual(w.chunks, [][]byte{a}) {
		t.Errorf("writes = %x, want only the first NAL", w.chunks)
	}
	if s := e.Stats(); s.FramesEncoded != 0 || s.NALsWritten != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestEncoder_EncodeFails(t *testing.T) {
	fake := newFakeEncoder()
	fake.encode = func(*sourcePicture, *frameBSInfo) int { return 4 }
	e := newTestEncoder(t, fake, 16, 16)

	err := e.Encode(NewPicture(16, 16), &bytes.Buffer{})
	var cv *ContractViolationError
	if !errors.As(err, &cv) || !errors.Is(err, ErrEncodeFailed) || cv.Code != 4 || cv.Op != "EncodeFrame" {
		t.Errorf("Encode() error = %v, want EncodeFrame contract violation with code 4", err)
	}
}

func TestEncoder_Timestamp(t *testing.T) {
	tests := []struct {
		name string
		mode TimestampMode
		want int64
	}{
		{"fixed", TimestampFixed, FixedPictureTimestamp},
		{"from picture", TimestampFromPicture, 123456},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			e := newTestEncoder(t, fake, 16, 16, WithTimestampMode(tt.mode))
			pic := NewPicture(16, 16)
			pic.Timestamp = 123456
			if err := e.Encode(pic, &bytes.Buffer{}); err != nil {
				t.Fatal(err)
			}
			if got := fake.pictures[0].Timestamp; got != tt.want {
				t.Errorf("native timestamp = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEncoder_SourcePicture(t *testing.T) {
	tests := []struct {
		name       string
		stride     [4]int
		wantStride [4]int32
	}{
		{"packed", [4]int{16, 8, 8, 0}, [4]int32{16, 8, 8, 0}},
		{"shared chroma stride", [4]int{32, 16, 0, 0}, [4]int32{32, 16, 16, 0}},
		{"distinct V stride", [4]int{32, 16, 24, 99}, [4]int32{32, 16, 24, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			e := newTestEncoder(t, fake, 16, 16)

			vStride := tt.stride[2]
			if vStride == 0 {
				vStride = tt.stride[1]
			}
			pic := &Picture{
				Y:      make([]byte, tt.stride[0]*16),
				U:      make([]byte, tt.stride[1]*8),
				V:      make([]byte, vStride*8),
				Width:  16,
				Height: 16,
				Stride: tt.stride,
			}
			if err := e.Encode(pic, &bytes.Buffer{}); err != nil {
				t.Fatal(err)
			}
			src := fake.pictures[0]
			if src.Stride != tt.wantStride {
				t.Errorf("native strides = %v, want %v", src.Stride, tt.wantStride)
			}
			if src.ColorFormat != videoFormatI420 || src.Width != 16 || src.Height != 16 {
				t.Errorf("native picture = %+v", src)
			}
			if &src.Planes[0][0] != &pic.Y[0] || &src.Planes[2][0] != &pic.V[0] || src.Planes[3] != nil {
				t.Error("native planes do not reference the picture buffers")
			}
		})
	}
}

func TestEncoder_InvalidPicture(t *testing.T) {
	tests := []struct {
		name    string
		pic     *Picture
		wantErr error
	}{
		{"nil", nil, ErrInvalidPicture},
		{"wrong size", NewPicture(32, 32), ErrInvalidPicture},
		{"short luma", &Picture{Y: make([]byte, 10), U: make([]byte, 64), V: make([]byte, 64), Width: 16, Height: 16, Stride: [4]int{16, 8, 8}}, ErrShortPlane},
		{"stride below width", &Picture{Y: make([]byte, 256), U: make([]byte, 64), V: make([]byte, 64), Width: 16, Height: 16, Stride: [4]int{8, 8, 8}}, ErrInvalidPicture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeEncoder()
			e := newTestEncoder(t, fake, 16, 16)
			if err := e.Encode(tt.pic, &bytes.Buffer{}); !errors.Is(err, tt.wantErr) {
				t.Errorf("Encode() error = %v, want %v", err, tt.wantErr)
			}
			if len(fake.pictures) != 0 {
				t.Error("invalid picture reached the native encoder")
			}
		})
	}
}

func TestEncoder_RequestKeyframe(t *testing.T) {
	fake := newFakeEncoder()
	e := newTestEncoder(t, fake, 16, 16)
	if err := e.RequestKeyframe(); err != nil {
		t.Fatal(err)
	}
	if fake.count("ForceIntraFrame(true)") != 1 {
		t.Errorf("native calls = %v, want ForceIntraFrame(true)", fake.calls)
	}

	fake.forceStatus = 1
	if err := e.RequestKeyframe(); !errors.Is(err, ErrEncodeFailed) {
		t.Errorf("RequestKeyframe() error = %v, want ErrEncodeFailed", err)
	}
}

func TestEncoder_Close(t *testing.T) {
	fake := newFakeEncoder()
	fake.uninitStatus = 2
	e := newTestEncoder(t, fake, 16, 16)

	if err := e.Close(); !errors.Is(err, ErrUninitializeFailed) {
		t.Errorf("Close() error = %v, want ErrUninitializeFailed", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if fake.count("Uninitialize") != 1 || fake.count("Destroy") != 1 {
		t.Errorf("native calls = %v, want one Uninitialize and one Destroy", fake.calls)
	}
	if err := e.Encode(NewPicture(16, 16), &bytes.Buffer{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Encode() after Close error = %v, want ErrClosed", err)
	}
	if err := e.RequestKeyframe(); !errors.Is(err, ErrClosed) {
		t.Errorf("RequestKeyframe() after Close error = %v, want ErrClosed", err)
	}
}
