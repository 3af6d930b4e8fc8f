package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromImageCopiesPixels(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.NRGBA{R: 200, G: 10, B: 20, A: 255})

	f := FromImage(img)
	require.False(t, f.Empty())
	r, g, b := f.RGB(1, 1)
	assert.Equal(t, [3]uint8{200, 10, 20}, [3]uint8{r, g, b})
}

func TestEmpty(t *testing.T) {
	var f *Frame
	assert.True(t, f.Empty())
	assert.True(t, NewFrame(0, 10).Empty())
	assert.False(t, NewFrame(1, 1).Empty())
}

func TestLumaWeights(t *testing.T) {
	f := NewFrame(2, 1)
	f.Set(0, 0, 255, 255, 255)
	f.Set(1, 0, 255, 0, 0)
	l := f.Luma()
	assert.InDelta(t, 255, l[0], 1e-9)
	assert.InDelta(t, 0.299*255, l[1], 1e-9)

	f.Set(1, 0, 0, 0, 0)
	assert.Zero(t, f.Luma()[1], "luma cache must be invalidated by Set")
}

func TestSobelVerticalEdge(t *testing.T) {
	f := NewFrame(6, 5)
	f.Fill(3, 0, 6, 5, 100, 100, 100)
	mag := Sobel(f.Luma(), f.Width, f.Height)
	assert.Zero(t, mag[0], "border stays zero")
	assert.InDelta(t, 400, mag[2*6+2], 1e-6)
	assert.InDelta(t, 400, mag[2*6+3], 1e-6)
	assert.Zero(t, mag[2*6+1])
	assert.Len(t, Interior(mag, 6, 5), 4*3)
}
