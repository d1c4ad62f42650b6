package codec

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEncodeDecodePNG(t *testing.T) {
	engine := NewStdEngine()

	src := solidImage(4, 3, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	data, err := engine.Encode(src, FormatPNG)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	img, err := engine.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
}

func TestEncodeDecodeJPEG(t *testing.T) {
	engine := NewStdEngine()

	src := solidImage(8, 8, color.NRGBA{R: 0, G: 128, B: 255, A: 255})
	data, err := engine.Encode(src, FormatJPEG)
	require.NoError(t, err)

	img, err := engine.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestEncodeUnknownFormat(t *testing.T) {
	engine := NewStdEngine()

	_, err := engine.Encode(solidImage(1, 1, color.White), Format("bmp"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestDecodeGarbage(t *testing.T) {
	engine := NewStdEngine()

	_, err := engine.Decode([]byte("not an image"))
	assert.Error(t, err)
}

func TestIncrementalDecodePartial(t *testing.T) {
	engine := NewStdEngine()

	data, err := engine.Encode(solidImage(16, 16, color.White), FormatPNG)
	require.NoError(t, err)

	// A truncated payload is not an error until the body is complete.
	img, err := engine.IncrementalDecode(data[:len(data)/2], false)
	require.NoError(t, err)
	assert.Nil(t, img)

	// The same truncated payload marked final is a decode failure.
	_, err = engine.IncrementalDecode(data[:len(data)/2], true)
	assert.Error(t, err)

	// The full payload decodes.
	img, err = engine.IncrementalDecode(data, true)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestContainsAlpha(t *testing.T) {
	engine := NewStdEngine()

	opaque := solidImage(2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	assert.False(t, engine.ContainsAlpha(opaque))

	translucent := solidImage(2, 2, color.NRGBA{R: 1, G: 2, B: 3, A: 128})
	assert.True(t, engine.ContainsAlpha(translucent))

	assert.False(t, engine.ContainsAlpha(nil))
}

func TestPreferredFormat(t *testing.T) {
	engine := NewStdEngine()

	assert.Equal(t, FormatJPEG, PreferredFormat(engine, solidImage(2, 2, color.NRGBA{A: 255})))
	assert.Equal(t, FormatPNG, PreferredFormat(engine, solidImage(2, 2, color.NRGBA{A: 10})))
}
