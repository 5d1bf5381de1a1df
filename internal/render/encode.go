package render

import (
	"bytes"
	"image"
	"image/png"
	"sync"
)

// Encoder turns frames into PNG bytes, reusing its scratch buffers.
type Encoder struct {
	bufferPool sync.Pool
	enc        png.Encoder
}

type pngBufferPool struct{ p *sync.Pool }

func (b pngBufferPool) Get() *png.EncoderBuffer {
	if v := b.p.Get(); v != nil {
		return v.(*png.EncoderBuffer)
	}
	return nil
}

func (b pngBufferPool) Put(eb *png.EncoderBuffer) { b.p.Put(eb) }

// NewEncoder returns an encoder tuned for speed over size.
func NewEncoder() *Encoder {
	e := &Encoder{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
	e.enc = png.Encoder{CompressionLevel: png.BestSpeed, BufferPool: pngBufferPool{p: &sync.Pool{}}}
	return e
}

// EncodePNG encodes img.
func (e *Encoder) EncodePNG(img image.Image) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	if err := e.enc.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyPNG encodes a fully transparent w×h image.
func (e *Encoder) EmptyPNG(w, h int) ([]byte, error) {
	return e.EncodePNG(image.NewRGBA(image.Rect(0, 0, w, h)))
}
