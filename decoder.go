package openh264

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// DefaultTimestampStep is how far the decoder input timestamp advances
// after each decoded frame unless WithTimestampStep says otherwise.
const DefaultTimestampStep = 40

// DecoderOption configures a Decoder.
type DecoderOption func(*decoderConfig)

type decoderConfig struct {
	logger           *zap.Logger
	timestampStep    uint64
	errorConcealment ErrorConcealment
	traceLevel       TraceLevel
	nativeTrace      bool
	lib              nativeLibrary
}

// WithDecoderLogger sets the logger. The default discards everything.
func WithDecoderLogger(l *zap.Logger) DecoderOption {
	return func(c *decoderConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimestampStep sets the per-frame increment of the input timestamp
// handed to the native decoder.
func WithTimestampStep(step uint64) DecoderOption {
	return func(c *decoderConfig) { c.timestampStep = step }
}

// WithErrorConcealment overrides the slice-copy concealment default. It is
// applied both at initialization and through the option interface.
func WithErrorConcealment(ec ErrorConcealment) DecoderOption {
	return func(c *decoderConfig) { c.errorConcealment = ec }
}

// WithDecoderTraceLevel sets the native log verbosity (default TraceWarning).
func WithDecoderTraceLevel(level TraceLevel) DecoderOption {
	return func(c *decoderConfig) { c.traceLevel = level }
}

// WithNativeTrace routes native log lines to the decoder logger instead of
// the library's stderr output.
func WithNativeTrace(enabled bool) DecoderOption {
	return func(c *decoderConfig) { c.nativeTrace = enabled }
}

func withDecoderLibrary(lib nativeLibrary) DecoderOption {
	return func(c *decoderConfig) { c.lib = lib }
}

// DecoderStats counts decoder activity.
type DecoderStats struct {
	FramesDecoded uint64 // Decode calls that returned a frame
	NoOutput      uint64 // Decode calls that returned no frame
	BytesIn       uint64 // NAL bytes handed to the native decoder
}

// Decoder turns H.264 NAL units into I420 frames. Units must be fed in
// bitstream order. A Decoder is not safe for concurrent use.
type Decoder struct {
	log    *zap.Logger
	handle nativeDecoder

	step      uint64
	timestamp uint64

	// gen is bumped by every Decode and by Close; frames compare it with
	// the value they captured.
	gen    uint64
	closed bool

	planes [3]unsafe.Pointer
	info   bufferInfo

	statsMu sync.Mutex
	stats   DecoderStats
}

// NewDecoder creates and initializes a native decoder with slice-copy error
// concealment and warning-level native logging. Native failures are
// returned as *ContractViolationError; nothing is leaked on failure.
func NewDecoder(opts ...DecoderOption) (*Decoder, error) {
	cfg := decoderConfig{
		logger:           zap.NewNop(),
		timestampStep:    DefaultTimestampStep,
		errorConcealment: ErrorConcealmentSliceCopy,
		traceLevel:       TraceWarning,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	lib := cfg.lib
	if lib == nil {
		var err error
		if lib, err = loadLibrary(); err != nil {
			return nil, err
		}
	}
	log := cfg.logger.Named("decoder")

	handle, rv := lib.CreateDecoder()
	if handle == nil {
		err := contractViolation("WelsCreateDecoder", rv, ErrCreateFailed)
		log.Error("create decoder", zap.Error(err))
		return nil, err
	}

	if cfg.nativeTrace {
		installTrace(handle, log)
	}

	param := decodingParam{
		ErrorConcealment: cfg.errorConcealment,
		BitstreamType:    videoBitstreamDefault,
	}
	if rv := handle.Initialize(&param); rv != cmResultSuccess {
		handle.Destroy()
		err := contractViolation("Initialize", rv, ErrInitFailed)
		log.Error("initialize decoder", zap.Error(err))
		return nil, err
	}

	d := &Decoder{
		log:    log,
		handle: handle,
		step:   cfg.timestampStep,
	}

	options := []struct {
		name  string
		id    decoderOption
		value int32
	}{
		{"DECODER_OPTION_TRACE_LEVEL", decoderOptionTraceLevel, int32(cfg.traceLevel)},
		{"DECODER_OPTION_ERROR_CON_IDC", decoderOptionErrorConIDC, int32(cfg.errorConcealment)},
	}
	for _, o := range options {
		if rv := handle.SetOption(o.id, o.value); rv != cmResultSuccess {
			err := contractViolation("SetOption("+o.name+")", rv, ErrInitFailed)
			log.Error("configure decoder", zap.Error(err))
			d.teardown()
			return nil, err
		}
	}

	log.Debug("decoder ready",
		zap.Stringer("error_concealment", cfg.errorConcealment),
		zap.Stringer("trace_level", cfg.traceLevel),
		zap.Uint64("timestamp_step", cfg.timestampStep),
	)
	return d, nil
}

// MustNewDecoder is like NewDecoder but panics on failure.
func MustNewDecoder(opts ...DecoderOption) *Decoder {
	d, err := NewDecoder(opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Decode feeds one NAL unit to the decoder. It returns (nil, nil) when the
// unit completed no picture, which is normal for parameter sets and for
// slices awaiting more data. The returned Frame borrows decoder memory and
// expires at the next Decode or Close.
func (d *Decoder) Decode(nal []byte) (*Frame, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if len(nal) == 0 {
		return nil, ErrEmptyInput
	}

	d.gen++
	d.planes = [3]unsafe.Pointer{}
	d.info = bufferInfo{InBsTimeStamp: d.timestamp}

	status := d.handle.DecodeFrameNoDelay(nal, &d.planes, &d.info)

	d.statsMu.Lock()
	d.stats.BytesIn += uint64(len(nal))
	d.statsMu.Unlock()

	sb := d.info.SystemBuffer
	if status != 0 || sb.Width == 0 || sb.Height == 0 || sb.Format == 0 || d.info.BufferStatus != bufferStatusFrameReady {
		d.noOutput(status)
		return nil, nil
	}

	width, height := int(sb.Width), int(sb.Height)
	s0, s1 := int(sb.Stride[0]), int(sb.Stride[1])
	if width < 0 || height < 0 || s0 <= 0 || s1 <= 0 || d.planes[0] == nil || d.planes[1] == nil || d.planes[2] == nil {
		err := contractViolation("DecodeFrameNoDelay", status, ErrInvalidOutput)
		d.log.Error("decoder output descriptor",
			zap.Error(err),
			zap.Int32("width", sb.Width),
			zap.Int32("height", sb.Height),
			zap.Int32s("stride", sb.Stride[:]),
		)
		return nil, err
	}

	lumaLen := max(width, s0) * height
	chromaLen := max(width/2, s1) * (height / 2)

	f := &Frame{
		Width:     width,
		Height:    height,
		Stride:    [2]int{s0, s1},
		Timestamp: d.info.OutYUVTimeStamp,
		y:         unsafe.Slice((*byte)(d.planes[0]), lumaLen),
		u:         unsafe.Slice((*byte)(d.planes[1]), chromaLen),
		v:         unsafe.Slice((*byte)(d.planes[2]), chromaLen),
		owner:     d,
		gen:       d.gen,
	}
	d.timestamp += d.step

	d.statsMu.Lock()
	d.stats.FramesDecoded++
	d.statsMu.Unlock()
	return f, nil
}

func (d *Decoder) noOutput(status int) {
	d.statsMu.Lock()
	d.stats.NoOutput++
	d.statsMu.Unlock()
	if ce := d.log.Check(zap.DebugLevel, "no frame"); ce != nil {
		ce.Write(
			zap.Int("status", status),
			zap.Stringer("state", decodingState(status)),
			zap.Int32("buffer_status", d.info.BufferStatus),
		)
	}
}

// SetInputTimestamp sets the timestamp passed with the next NAL unit.
func (d *Decoder) SetInputTimestamp(ts uint64) {
	d.timestamp = ts
}

// InputTimestamp returns the timestamp that accompanies the next NAL unit.
func (d *Decoder) InputTimestamp() uint64 {
	return d.timestamp
}

// Stats returns a snapshot of the counters. It may be called from any
// goroutine.
func (d *Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Decoder) frameValid(gen uint64) bool {
	return !d.closed && gen == d.gen
}

// Close uninitializes and destroys the native decoder. It is safe to call
// more than once; only the first call does anything.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.gen++
	return d.teardown()
}

// teardown runs Uninitialize then Destroy. Destroy runs even when
// Uninitialize fails.
func (d *Decoder) teardown() (err error) {
	defer d.handle.Destroy()
	if rv := d.handle.Uninitialize(); rv != cmResultSuccess {
		err = contractViolation("Uninitialize", rv, ErrUninitializeFailed)
		d.log.Error("uninitialize decoder", zap.Error(err))
	}
	return err
}

func (d *Decoder) String() string {
	s := d.Stats()
	return fmt.Sprintf("openh264.Decoder{frames: %d, no-output: %d, bytes: %d}", s.FramesDecoded, s.NoOutput, s.BytesIn)
}
