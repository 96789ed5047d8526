package openh264

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/rtpio/pkg/rtpio"
)

// H.264 NAL unit types used by the RTP payload format (RFC 6184).
const (
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

const (
	// DefaultMTU is the packet size budget used when none is configured.
	DefaultMTU = 1200

	// ClockRate is the RTP clock rate of H.264 video.
	ClockRate = 90000

	rtpHeaderSize = 12
	fuaHeaderSize = 2
)

var startCode = []byte{0, 0, 0, 1}

// NALType returns the nal_unit_type of a NAL unit, with or without a
// start code prefix. It returns 0 for empty input.
func NALType(nal []byte) uint8 {
	nal = TrimStartCode(nal)
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// IsParameterSet reports whether nal is an SPS or PPS.
func IsParameterSet(nal []byte) bool {
	t := NALType(nal)
	return t == nalTypeSPS || t == nalTypePPS
}

// TrimStartCode strips a leading 3- or 4-byte Annex-B start code.
func TrimStartCode(nal []byte) []byte {
	switch {
	case len(nal) >= 4 && nal[0] == 0 && nal[1] == 0 && nal[2] == 0 && nal[3] == 1:
		return nal[4:]
	case len(nal) >= 3 && nal[0] == 0 && nal[1] == 0 && nal[2] == 1:
		return nal[3:]
	default:
		return nal
	}
}

// WithStartCode returns a copy of nal prefixed by a 4-byte start code.
func WithStartCode(nal []byte) []byte {
	out := make([]byte, 0, len(startCode)+len(nal))
	out = append(out, startCode...)
	return append(out, nal...)
}

// SplitAnnexB splits an Annex-B byte stream on 3- and 4-byte start codes.
// The returned units alias data and carry no start code. Bytes before the
// first start code are ignored.
func SplitAnnexB(data []byte) [][]byte {
	var units [][]byte
	start := -1
	for i := 0; i < len(data); i++ {
		var skip int
		switch {
		case i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1:
			skip = 4
		case i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1:
			skip = 3
		default:
			continue
		}
		if start >= 0 && i > start {
			units = append(units, data[start:i])
		}
		start = i + skip
		i += skip - 1
	}
	if start >= 0 && start < len(data) {
		units = append(units, data[start:])
	}
	return units
}

// RTPSinkOption configures an RTPSink.
type RTPSinkOption func(*RTPSink)

// WithMTU sets the maximum RTP packet size, header included.
func WithMTU(mtu int) RTPSinkOption {
	return func(s *RTPSink) {
		if mtu > rtpHeaderSize+fuaHeaderSize {
			s.mtu = mtu
		}
	}
}

// WithSSRC sets the synchronization source. The default is 0.
func WithSSRC(ssrc uint32) RTPSinkOption {
	return func(s *RTPSink) { s.ssrc = ssrc }
}

// WithPayloadType sets the RTP payload type (default 96).
func WithPayloadType(pt uint8) RTPSinkOption {
	return func(s *RTPSink) { s.payloadType = pt }
}

// WithSequencer replaces the random sequence number source.
func WithSequencer(seq rtp.Sequencer) RTPSinkOption {
	return func(s *RTPSink) { s.sequencer = seq }
}

// WithInitialTimestamp sets the RTP timestamp of the first access unit.
func WithInitialTimestamp(ts uint32) RTPSinkOption {
	return func(s *RTPSink) { s.timestamp = ts }
}

// RTPSink is an io.Writer that packetizes NAL units into RTP and hands
// the packets to an rtpio.RTPWriter. Each Write must carry exactly one NAL
// unit, as Encoder.Encode does. Call Flush after each picture to close the
// access unit.
//
// The last packet of the current access unit is held back until the next
// Write or Flush so that Flush can set its marker bit.
type RTPSink struct {
	out         rtpio.RTPWriter
	sequencer   rtp.Sequencer
	ssrc        uint32
	payloadType uint8
	mtu         int
	timestamp   uint32
	step        uint32

	pending *rtp.Packet
	packets uint64
}

// NewRTPSink creates a sink for a stream running at fps pictures per
// second.
func NewRTPSink(out rtpio.RTPWriter, fps float64, opts ...RTPSinkOption) *RTPSink {
	if fps <= 0 {
		fps = DefaultMaxFrameRate
	}
	s := &RTPSink{
		out:         out,
		sequencer:   rtp.NewRandomSequencer(),
		payloadType: 96,
		mtu:         DefaultMTU,
		step:        uint32(ClockRate/fps + 0.5),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write packetizes one NAL unit. A leading start code is removed.
func (s *RTPSink) Write(nal []byte) (int, error) {
	payload := TrimStartCode(nal)
	if len(payload) == 0 {
		return len(nal), nil
	}

	maxPayload := s.mtu - rtpHeaderSize
	if len(payload) <= maxPayload {
		if err := s.queue(append([]byte(nil), payload...)); err != nil {
			return 0, err
		}
		return len(nal), nil
	}

	header := payload[0]
	fuIndicator := header&0xE0 | nalTypeFUA
	body := payload[1:]
	chunk := maxPayload - fuaHeaderSize
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		fuHeader := header & 0x1F
		if off == 0 {
			fuHeader |= 0x80
		}
		if end == len(body) {
			fuHeader |= 0x40
		}
		frag := make([]byte, fuaHeaderSize+end-off)
		frag[0] = fuIndicator
		frag[1] = fuHeader
		copy(frag[fuaHeaderSize:], body[off:end])
		if err := s.queue(frag); err != nil {
			return 0, err
		}
	}
	return len(nal), nil
}

func (s *RTPSink) queue(payload []byte) error {
	if err := s.send(false); err != nil {
		return err
	}
	s.pending = &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.sequencer.NextSequenceNumber(),
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	return nil
}

func (s *RTPSink) send(marker bool) error {
	if s.pending == nil {
		return nil
	}
	pkt := s.pending
	s.pending = nil
	pkt.Marker = marker
	if err := s.out.WriteRTP(pkt); err != nil {
		return fmt.Errorf("openh264: write rtp: %w", err)
	}
	s.packets++
	return nil
}

// Flush sends the held-back packet with the marker bit set and advances
// the timestamp to the next access unit. An access unit that produced no
// packets (a skipped picture) still advances the timestamp.
func (s *RTPSink) Flush() error {
	err := s.send(true)
	s.timestamp += s.step
	return err
}

// Timestamp returns the RTP timestamp of the current access unit.
func (s *RTPSink) Timestamp() uint32 { return s.timestamp }

// PacketsSent returns the number of packets written so far.
func (s *RTPSink) PacketsSent() uint64 { return s.packets }

// Depacketizer reassembles NAL units from H.264 RTP packets carrying single
// NAL unit, STAP-A or FU-A payloads. A Depacketizer is not safe for
// concurrent use.
type Depacketizer struct {
	fua         []byte
	fragmenting bool
	lastSeq     uint16
	timestamp   uint32
	started     bool

	// Dropped counts fragmented units abandoned because a fragment was
	// missing or the access unit changed mid-unit.
	Dropped uint64
}

// NewDepacketizer returns an empty Depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

var errShortFUA = errors.New("openh264: FU-A payload too short")

// Depacketize consumes one packet and calls emit for every NAL unit it
// completes, in order. Emitted units carry a 4-byte start code and are
// owned by the callee.
func (d *Depacketizer) Depacketize(pkt *rtp.Packet, emit func(nal []byte) error) error {
	if d.started && pkt.Timestamp != d.timestamp && d.fragmenting {
		d.abandon()
	}
	d.started = true
	d.timestamp = pkt.Timestamp

	payload := pkt.Payload
	if len(payload) == 0 {
		return nil
	}

	switch t := payload[0] & 0x1F; {
	case t >= 1 && t <= 23:
		if d.fragmenting {
			d.abandon()
		}
		return emit(WithStartCode(payload))

	case t == nalTypeSTAPA:
		for off := 1; off+2 <= len(payload); {
			size := int(binary.BigEndian.Uint16(payload[off:]))
			off += 2
			if off+size > len(payload) {
				return fmt.Errorf("openh264: STAP-A unit of %d bytes overruns packet", size)
			}
			if size > 0 {
				if err := emit(WithStartCode(payload[off : off+size])); err != nil {
					return err
				}
			}
			off += size
		}
		return nil

	case t == nalTypeFUA:
		return d.fragment(pkt.SequenceNumber, payload, emit)

	default:
		return fmt.Errorf("openh264: unsupported RTP payload NAL type %d", t)
	}
}

// fragment accumulates one FU-A fragment. A gap in sequence numbers drops
// the unit and the following fragments until the next start fragment.
func (d *Depacketizer) fragment(seq uint16, payload []byte, emit func([]byte) error) error {
	if len(payload) < fuaHeaderSize {
		return errShortFUA
	}
	indicator, header := payload[0], payload[1]
	isStart := header&0x80 != 0
	isEnd := header&0x40 != 0

	if isStart {
		if d.fragmenting {
			d.abandon()
		}
		d.fua = append(d.fua[:0], startCode...)
		d.fua = append(d.fua, indicator&0xE0|header&0x1F)
		d.fragmenting = true
	} else if d.fragmenting && seq != d.lastSeq+1 {
		d.abandon()
	}
	if !d.fragmenting {
		return nil
	}
	d.lastSeq = seq
	d.fua = append(d.fua, payload[fuaHeaderSize:]...)
	if !isEnd {
		return nil
	}
	nal := append([]byte(nil), d.fua...)
	d.fua = d.fua[:0]
	d.fragmenting = false
	return emit(nal)
}

func (d *Depacketizer) abandon() {
	d.fua = d.fua[:0]
	d.fragmenting = false
	d.Dropped++
}

// ReadNALs reads packets from r until it returns io.EOF, passing every
// completed NAL unit to emit. Errors from r or emit stop the loop.
func (d *Depacketizer) ReadNALs(r rtpio.RTPReader, emit func(nal []byte) error) error {
	for {
		pkt, err := r.ReadRTP()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openh264: read rtp: %w", err)
		}
		if err := d.Depacketize(pkt, emit); err != nil {
			return err
		}
	}
}
