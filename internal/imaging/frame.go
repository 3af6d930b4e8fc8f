// Package imaging holds the raw frame buffer handed to the analyzers and the
// luminance and gradient planes derived from it.
package imaging

import (
	"errors"
	"image"
	"image/color"
	"math"
)

var ErrEmptyFrame = errors.New("imaging: empty frame")

// Frame is an 8-bit RGBA pixel buffer with a 4*Width stride.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8

	luma []float64
}

func NewFrame(width, height int) *Frame {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Frame{Width: width, Height: height, Pix: make([]uint8, 4*width*height)}
}

// FromImage copies any image.Image into a Frame.
func FromImage(img image.Image) *Frame {
	if img == nil {
		return NewFrame(0, 0)
	}
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())
	if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == 4*f.Width {
		copy(f.Pix, rgba.Pix)
		return f
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			f.Set(x, y, c.R, c.G, c.B)
		}
	}
	return f
}

func (f *Frame) Empty() bool {
	return f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Pix) < 4*f.Width*f.Height
}

func (f *Frame) Set(x, y int, r, g, b uint8) {
	i := 4 * (y*f.Width + x)
	f.Pix[i] = r
	f.Pix[i+1] = g
	f.Pix[i+2] = b
	f.Pix[i+3] = 255
	f.luma = nil
}

func (f *Frame) RGB(x, y int) (r, g, b uint8) {
	i := 4 * (y*f.Width + x)
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Fill paints the rectangle [x0,x1)×[y0,y1), clipped to the frame.
func (f *Frame) Fill(x0, y0, x1, y1 int, r, g, b uint8) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, f.Width), min(y1, f.Height)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			f.Set(x, y, r, g, b)
		}
	}
}

// Luma returns the cached 0..255 luminance plane using Rec.601 weights.
func (f *Frame) Luma() []float64 {
	if f.luma != nil {
		return f.luma
	}
	n := f.Width * f.Height
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		p := f.Pix[4*i : 4*i+3]
		out[i] = Luminance(p[0], p[1], p[2])
	}
	f.luma = out
	return out
}

func Luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// Sobel computes the gradient magnitude of plane (width×height). Border
// pixels are left at zero.
func Sobel(plane []float64, width, height int) []float64 {
	out := make([]float64, width*height)
	if width < 3 || height < 3 {
		return out
	}
	for y := 1; y < height-1; y++ {
		row := y * width
		for x := 1; x < width-1; x++ {
			tl := plane[row-width+x-1]
			tc := plane[row-width+x]
			tr := plane[row-width+x+1]
			ml := plane[row+x-1]
			mr := plane[row+x+1]
			bl := plane[row+width+x-1]
			bc := plane[row+width+x]
			br := plane[row+width+x+1]
			gx := (tr + 2*mr + br) - (tl + 2*ml + bl)
			gy := (bl + 2*bc + br) - (tl + 2*tc + tr)
			out[row+x] = math.Hypot(gx, gy)
		}
	}
	return out
}

// Interior returns the values of plane excluding a 1px border.
func Interior(plane []float64, width, height int) []float64 {
	if width < 3 || height < 3 {
		return nil
	}
	out := make([]float64, 0, (width-2)*(height-2))
	for y := 1; y < height-1; y++ {
		out = append(out, plane[y*width+1:y*width+width-1]...)
	}
	return out
}
