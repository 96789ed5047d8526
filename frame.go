// Planar I420 frame types shared by the decoder and the encoder.
package openh264

import (
	"fmt"
	"image"
	"io"
)

// Frame is a decoded I420 picture whose planes borrow memory owned by the
// native decoder. A Frame returned by Decoder.Decode stays valid until the
// next Decode or Close on that decoder; afterwards every accessor returns
// ErrFrameExpired. Copy it out with Save, Clone or Image first.
type Frame struct {
	Width     int    // Luma width in samples
	Height    int    // Luma height in samples
	Stride    [2]int // Bytes per row: [0] luma, [1] both chroma planes
	Timestamp uint64 // Output timestamp reported by the decoder

	y, u, v []byte

	owner *Decoder
	gen   uint64
}

// NewFrame wraps caller-owned planes in a Frame that never expires. Plane
// lengths are checked against the geometry.
func NewFrame(y, u, v []byte, width, height int, stride [2]int) (*Frame, error) {
	f := &Frame{Width: width, Height: height, Stride: stride, y: y, u: u, v: v}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidPicture, width, height)
	}
	if stride[0] < width || stride[1] < width/2 {
		return nil, fmt.Errorf("%w: stride %v for width %d", ErrInvalidPicture, stride, width)
	}
	for i, p := range f.planes() {
		if len(p.data) < planeSpan(p.width, p.height, p.stride) {
			return nil, fmt.Errorf("%w: plane %d has %d bytes", ErrShortPlane, i, len(p.data))
		}
	}
	return f, nil
}

// ChromaWidth is the width of the U and V planes.
func (f *Frame) ChromaWidth() int { return f.Width / 2 }

// ChromaHeight is the height of the U and V planes.
func (f *Frame) ChromaHeight() int { return f.Height / 2 }

func (f *Frame) valid() error {
	if f.owner != nil && !f.owner.frameValid(f.gen) {
		return ErrFrameExpired
	}
	return nil
}

// Planes returns the raw Y, U and V views including stride padding. Y holds
// max(Width, Stride[0])*Height bytes; U and V hold
// max(Width/2, Stride[1])*(Height/2) bytes each.
func (f *Frame) Planes() (y, u, v []byte, err error) {
	if err := f.valid(); err != nil {
		return nil, nil, nil, err
	}
	return f.y, f.u, f.v, nil
}

type plane struct {
	data          []byte
	width, height int
	stride        int
}

func (f *Frame) planes() [3]plane {
	cw, ch := f.ChromaWidth(), f.ChromaHeight()
	return [3]plane{
		{f.y, f.Width, f.Height, f.Stride[0]},
		{f.u, cw, ch, f.Stride[1]},
		{f.v, cw, ch, f.Stride[1]},
	}
}

// planeSpan is the number of bytes a plane must hold to cover height rows
// of width samples spaced stride apart.
func planeSpan(width, height, stride int) int {
	if width <= 0 || height <= 0 {
		return 0
	}
	return (height-1)*stride + width
}

// Save writes the frame as tightly packed I420: the Y rows, then U, then
// V, each row trimmed to its visible width. It returns the number of bytes
// written; a short or failed write aborts the save.
func (f *Frame) Save(w io.Writer) (int64, error) {
	if err := f.valid(); err != nil {
		return 0, err
	}
	var n int64
	for _, p := range f.planes() {
		for row := 0; row < p.height; row++ {
			off := row * p.stride
			m, err := w.Write(p.data[off : off+p.width])
			n += int64(m)
			if err != nil {
				return n, fmt.Errorf("openh264: save frame: %w", err)
			}
		}
	}
	return n, nil
}

// Clone copies the frame into an owned, tightly packed Picture that can be
// fed back to an Encoder.
func (f *Frame) Clone() (*Picture, error) {
	if err := f.valid(); err != nil {
		return nil, err
	}
	pic := NewPicture(f.Width, f.Height)
	pic.Timestamp = int64(f.Timestamp)
	dst := [3][]byte{pic.Y, pic.U, pic.V}
	strides := [3]int{pic.Stride[0], pic.Stride[1], pic.Stride[2]}
	for i, p := range f.planes() {
		for row := 0; row < p.height; row++ {
			copy(dst[i][row*strides[i]:], p.data[row*p.stride:row*p.stride+p.width])
		}
	}
	return pic, nil
}

// Image copies the frame into an image.YCbCr with 4:2:0 subsampling.
func (f *Frame) Image() (*image.YCbCr, error) {
	if err := f.valid(); err != nil {
		return nil, err
	}
	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio420)
	ps := f.planes()
	for row := 0; row < f.Height; row++ {
		copy(img.Y[row*img.YStride:], f.y[row*f.Stride[0]:row*f.Stride[0]+f.Width])
	}
	for row := 0; row < ps[1].height; row++ {
		src := row * f.Stride[1]
		copy(img.Cb[row*img.CStride:], f.u[src:src+ps[1].width])
		copy(img.Cr[row*img.CStride:], f.v[src:src+ps[2].width])
	}
	return img, nil
}

// Picture is an owned I420 picture handed to Encoder.Encode. Stride holds
// the Y, U and V row pitches; the fourth slot is unused. A zero Stride[2]
// means V shares the U stride.
type Picture struct {
	Y, U, V   []byte
	Width     int
	Height    int
	Stride    [4]int
	Timestamp int64
}

// NewPicture allocates a tightly packed, zeroed picture.
func NewPicture(width, height int) *Picture {
	cw, ch := width/2, height/2
	buf := make([]byte, I420Size(width, height))
	ySize, cSize := width*height, cw*ch
	return &Picture{
		Y:      buf[:ySize:ySize],
		U:      buf[ySize : ySize+cSize : ySize+cSize],
		V:      buf[ySize+cSize:],
		Width:  width,
		Height: height,
		Stride: [4]int{width, cw, cw, 0},
	}
}

func (p *Picture) chromaStrides() (u, v int) {
	u, v = p.Stride[1], p.Stride[2]
	if v == 0 {
		v = u
	}
	return u, v
}

// Validate checks dimensions and strides against the plane buffers.
func (p *Picture) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil picture", ErrInvalidPicture)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidPicture, p.Width, p.Height)
	}
	cw, ch := p.Width/2, p.Height/2
	us, vs := p.chromaStrides()
	if p.Stride[0] < p.Width || us < cw || vs < cw {
		return fmt.Errorf("%w: strides %v for width %d", ErrInvalidPicture, p.Stride, p.Width)
	}
	checks := []struct {
		name string
		data []byte
		need int
	}{
		{"Y", p.Y, planeSpan(p.Width, p.Height, p.Stride[0])},
		{"U", p.U, planeSpan(cw, ch, us)},
		{"V", p.V, planeSpan(cw, ch, vs)},
	}
	for _, c := range checks {
		if len(c.data) < c.need {
			return fmt.Errorf("%w: %s has %d bytes, need %d", ErrShortPlane, c.name, len(c.data), c.need)
		}
	}
	return nil
}

// I420Size returns the size of a tightly packed I420 picture.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}
