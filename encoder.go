package openh264

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxFrameRate is the frame rate the encoder is configured for
// unless WithMaxFrameRate says otherwise.
const DefaultMaxFrameRate = 25

// EncoderOption configures an Encoder.
type EncoderOption func(*encoderConfig)

type encoderConfig struct {
	logger        *zap.Logger
	usage         UsageType
	maxFrameRate  float32
	timestampMode TimestampMode
	traceLevel    TraceLevel
	nativeTrace   bool
	lib           nativeLibrary
}

// WithEncoderLogger sets the logger. The default discards everything.
func WithEncoderLogger(l *zap.Logger) EncoderOption {
	return func(c *encoderConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUsage selects the content type. The default is UsageScreenRealTime;
// camera sources usually want UsageCameraRealTime.
func WithUsage(u UsageType) EncoderOption {
	return func(c *encoderConfig) { c.usage = u }
}

// WithMaxFrameRate sets the frame rate used by rate control.
func WithMaxFrameRate(fps float32) EncoderOption {
	return func(c *encoderConfig) { c.maxFrameRate = fps }
}

// WithTimestampMode picks which timestamp is stamped on each picture.
func WithTimestampMode(m TimestampMode) EncoderOption {
	return func(c *encoderConfig) { c.timestampMode = m }
}

// WithEncoderTraceLevel sets the native log verbosity (default TraceWarning).
func WithEncoderTraceLevel(level TraceLevel) EncoderOption {
	return func(c *encoderConfig) { c.traceLevel = level }
}

// WithEncoderNativeTrace routes native log lines to the encoder logger.
func WithEncoderNativeTrace(enabled bool) EncoderOption {
	return func(c *encoderConfig) { c.nativeTrace = enabled }
}

func withEncoderLibrary(lib nativeLibrary) EncoderOption {
	return func(c *encoderConfig) { c.lib = lib }
}

// EncoderStats counts encoder activity.
type EncoderStats struct {
	FramesEncoded    uint64 // Pictures that produced bitstream
	KeyframesEncoded uint64 // Of which IDR or I
	SkippedFrames    uint64 // Pictures the encoder chose to skip
	NALsWritten      uint64
	BytesWritten     uint64
}

// Encoder turns I420 pictures into H.264 NAL units. An Encoder is not safe
// for concurrent use.
type Encoder struct {
	log    *zap.Logger
	handle nativeEncoder

	width, height int
	tsMode        TimestampMode
	closed        bool

	pic  sourcePicture
	info frameBSInfo

	statsMu sync.Mutex
	stats   EncoderStats
}

// NewEncoder creates a native encoder for width x height pictures at the
// given target bitrate in bits per second, in bitrate rate-control mode.
// Native failures are returned as *ContractViolationError.
func NewEncoder(width, height, bitrate int, opts ...EncoderOption) (*Encoder, error) {
	cfg := encoderConfig{
		logger:       zap.NewNop(),
		usage:        UsageScreenRealTime,
		maxFrameRate: DefaultMaxFrameRate,
		traceLevel:   TraceWarning,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", ErrInvalidConfig, width, height)
	}
	if bitrate <= 0 {
		return nil, fmt.Errorf("%w: bitrate %d", ErrInvalidConfig, bitrate)
	}
	if cfg.maxFrameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %v", ErrInvalidConfig, cfg.maxFrameRate)
	}

	lib := cfg.lib
	if lib == nil {
		var err error
		if lib, err = loadLibrary(); err != nil {
			return nil, err
		}
	}
	log := cfg.logger.Named("encoder")

	handle, rv := lib.CreateEncoder()
	if handle == nil {
		err := contractViolation("WelsCreateSVCEncoder", rv, ErrCreateFailed)
		log.Error("create encoder", zap.Error(err))
		return nil, err
	}

	if cfg.nativeTrace {
		installTrace(handle, log)
	}

	param := encParamBase{
		Usage:         cfg.usage,
		Width:         int32(width),
		Height:        int32(height),
		TargetBitrate: int32(bitrate),
		RCMode:        rcBitrateMode,
		MaxFrameRate:  cfg.maxFrameRate,
	}
	if rv := handle.Initialize(&param); rv != cmResultSuccess {
		handle.Destroy()
		err := contractViolation("Initialize", rv, ErrInitFailed)
		log.Error("initialize encoder", zap.Error(err))
		return nil, err
	}

	e := &Encoder{
		log:    log,
		handle: handle,
		width:  width,
		height: height,
		tsMode: cfg.timestampMode,
	}

	steps := []struct {
		name  string
		apply func() int
	}{
		{"SetOption(ENCODER_OPTION_TRACE_LEVEL)", func() int {
			return handle.SetOption(encoderOptionTraceLevel, int32(cfg.traceLevel))
		}},
		{"SetOption(ENCODER_OPTION_DATAFORMAT)", func() int {
			return handle.SetOption(encoderOptionDataFormat, videoFormatI420)
		}},
		{"SetOption(ENCODER_OPTION_SVC_ENCODE_PARAM_BASE)", func() int {
			return handle.SetParamBase(&param)
		}},
	}
	for _, s := range steps {
		if rv := s.apply(); rv != cmResultSuccess {
			err := contractViolation(s.name, rv, ErrInitFailed)
			log.Error("configure encoder", zap.Error(err))
			e.teardown()
			return nil, err
		}
	}

	log.Debug("encoder ready",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("bitrate", bitrate),
		zap.Stringer("usage", cfg.usage),
		zap.Float32("max_frame_rate", cfg.maxFrameRate),
		zap.Stringer("timestamp_mode", cfg.timestampMode),
	)
	return e, nil
}

// MustNewEncoder is like NewEncoder but panics on failure.
func MustNewEncoder(width, height, bitrate int, opts ...EncoderOption) *Encoder {
	e, err := NewEncoder(width, height, bitrate, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Encode encodes one picture and writes every resulting NAL unit to w with
// one Write call per unit, in bitstream order. A skipped picture writes
// nothing and is not an error. The encoder does not retain pic.
func (e *Encoder) Encode(pic *Picture, w io.Writer) error {
	if e.closed {
		return ErrClosed
	}
	if err := pic.Validate(); err != nil {
		return err
	}
	if pic.Width != e.width || pic.Height != e.height {
		return fmt.Errorf("%w: picture is %dx%d, encoder expects %dx%d",
			ErrInvalidPicture, pic.Width, pic.Height, e.width, e.height)
	}

	ts := int64(FixedPictureTimestamp)
	if e.tsMode == TimestampFromPicture {
		ts = pic.Timestamp
	}
	us, vs := pic.chromaStrides()
	e.pic = sourcePicture{
		ColorFormat: videoFormatI420,
		Stride:      [4]int32{int32(pic.Stride[0]), int32(us), int32(vs), 0},
		Planes:      [4][]byte{pic.Y, pic.U, pic.V},
		Width:       int32(pic.Width),
		Height:      int32(pic.Height),
		Timestamp:   ts,
	}

	rv := e.handle.EncodeFrame(&e.pic, &e.info)
	e.pic.Planes = [4][]byte{}
	if rv != cmResultSuccess {
		err := contractViolation("EncodeFrame", rv, ErrEncodeFailed)
		e.log.Error("encode frame", zap.Error(err))
		return err
	}

	if e.info.FrameType == FrameTypeSkip {
		e.statsMu.Lock()
		e.stats.SkippedFrames++
		e.statsMu.Unlock()
		e.log.Debug("frame skipped", zap.Int64("timestamp", ts))
		return nil
	}

	// Validate every layer before writing so a bad descriptor never
	// produces partial output.
	for i, layer := range e.info.Layers {
		if err := checkLayer(layer); err != nil {
			err = &ContractViolationError{Op: "EncodeFrame", Code: rv, Err: fmt.Errorf("%w: layer %d: %v", ErrNALLengthMismatch, i, err)}
			e.log.Error("encoder output descriptor", zap.Error(err))
			return err
		}
	}
	if err := checkFrameSize(&e.info); err != nil {
		err = &ContractViolationError{Op: "EncodeFrame", Code: rv, Err: fmt.Errorf("%w: %v", ErrNALLengthMismatch, err)}
		e.log.Error("encoder output descriptor", zap.Error(err))
		return err
	}

	var nals, bytes uint64
	for _, layer := range e.info.Layers {
		n, b, err := writeLayer(w, layer)
		nals += uint64(n)
		bytes += uint64(b)
		if err != nil {
			e.addStats(nals, bytes, false)
			return err
		}
	}
	e.addStats(nals, bytes, true)

	if ce := e.log.Check(zap.DebugLevel, "frame encoded"); ce != nil {
		ce.Write(
			zap.Stringer("type", e.info.FrameType),
			zap.Int("layers", len(e.info.Layers)),
			zap.Uint64("nals", nals),
			zap.Uint64("bytes", bytes),
		)
	}
	return nil
}

func (e *Encoder) addStats(nals, bytes uint64, complete bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.NALsWritten += nals
	e.stats.BytesWritten += bytes
	if complete {
		e.stats.FramesEncoded++
		if e.info.FrameType.IsKeyframe() {
			e.stats.KeyframesEncoded++
		}
	}
}

// checkLayer verifies that the NAL lengths of a layer are all non-negative
// and add up to exactly the layer buffer.
func checkLayer(layer layerBSInfo) error {
	if layer.NALCount < 0 || int(layer.NALCount) != len(layer.NALLengths) {
		return fmt.Errorf("NAL count %d with %d lengths", layer.NALCount, len(layer.NALLengths))
	}
	sum := 0
	for i, n := range layer.NALLengths {
		if n < 0 {
			return fmt.Errorf("NAL %d has length %d", i, n)
		}
		sum += int(n)
	}
	if sum != len(layer.Buffer) {
		return fmt.Errorf("lengths sum to %d, buffer holds %d", sum, len(layer.Buffer))
	}
	return nil
}

// checkFrameSize compares the NAL lengths of all layers with the frame size
// the encoder reported. A size of zero means the encoder did not report one.
func checkFrameSize(info *frameBSInfo) error {
	if info.FrameSizeInBytes <= 0 {
		return nil
	}
	total := 0
	for _, layer := range info.Layers {
		for _, n := range layer.NALLengths {
			total += int(n)
		}
	}
	if total != int(info.FrameSizeInBytes) {
		return fmt.Errorf("layers hold %d bytes, frame size is %d", total, info.FrameSizeInBytes)
	}
	return nil
}

// writeLayer slices the layer buffer by its NAL lengths and writes each
// segment. Empty NALs are skipped.
func writeLayer(w io.Writer, layer layerBSInfo) (nals int, n int64, err error) {
	off := 0
	for _, l := range layer.NALLengths {
		if l == 0 {
			continue
		}
		seg := layer.Buffer[off : off+int(l)]
		off += int(l)
		m, err := w.Write(seg)
		n += int64(m)
		if err == nil && m < len(seg) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return nals, n, fmt.Errorf("openh264: write NAL: %w", err)
		}
		nals++
	}
	return nals, n, nil
}

// RequestKeyframe makes the next encoded picture an IDR frame.
func (e *Encoder) RequestKeyframe() error {
	if e.closed {
		return ErrClosed
	}
	if rv := e.handle.ForceIntraFrame(true); rv != cmResultSuccess {
		err := contractViolation("ForceIntraFrame", rv, ErrEncodeFailed)
		e.log.Error("force intra frame", zap.Error(err))
		return err
	}
	e.log.Debug("keyframe requested")
	return nil
}

// Size returns the configured picture size.
func (e *Encoder) Size() (width, height int) {
	return e.width, e.height
}

// Stats returns a snapshot of the counters. It may be called from any
// goroutine.
func (e *Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close uninitializes and destroys the native encoder. Only the first call
// does anything.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.teardown()
}

func (e *Encoder) teardown() (err error) {
	defer e.handle.Destroy()
	if rv := e.handle.Uninitialize(); rv != cmResultSuccess {
		err = contractViolation("Uninitialize", rv, ErrUninitializeFailed)
		e.log.Error("uninitialize encoder", zap.Error(err))
	}
	return err
}
