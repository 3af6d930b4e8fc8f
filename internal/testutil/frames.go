package testutil

import "proctorguard/internal/imaging"

// Uniform returns a frame filled with one gray level.
func Uniform(width, height int, level uint8) *imaging.Frame {
	f := imaging.NewFrame(width, height)
	f.Fill(0, 0, width, height, level, level, level)
	return f
}

// Split returns a frame whose left half is dark and right half bright.
func Split(width, height int, dark, bright uint8) *imaging.Frame {
	f := imaging.NewFrame(width, height)
	f.Fill(0, 0, width/2, height, dark, dark, dark)
	f.Fill(width/2, 0, width, height, bright, bright, bright)
	return f
}

// Checkerboard alternates two gray levels in square cells.
func Checkerboard(width, height, cell int, a, b uint8) *imaging.Frame {
	f := imaging.NewFrame(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := a
			if ((x/cell)+(y/cell))%2 == 1 {
				v = b
			}
			f.Set(x, y, v, v, v)
		}
	}
	return f
}

// WithRect paints a filled rectangle onto a copy of base.
func WithRect(base *imaging.Frame, x, y, w, h int, r, g, b uint8) *imaging.Frame {
	f := imaging.NewFrame(base.Width, base.Height)
	copy(f.Pix, base.Pix)
	f.Fill(x, y, x+w, y+h, r, g, b)
	return f
}

// SkinFace paints a skin-toned oval-ish block with darker eye and mouth
// patches at the usual proportions.
func SkinFace(base *imaging.Frame, x, y, w, h int) *imaging.Frame {
	f := WithRect(base, x, y, w, h, 210, 150, 120)
	eyeW, eyeH := w/5, h/10
	eyeY := y + h*3/10
	f.Fill(x+w/4-eyeW/2, eyeY, x+w/4+eyeW/2, eyeY+eyeH, 60, 40, 30)
	f.Fill(x+3*w/4-eyeW/2, eyeY, x+3*w/4+eyeW/2, eyeY+eyeH, 60, 40, 30)
	mouthY := y + h*7/10
	f.Fill(x+w/3, mouthY, x+2*w/3, mouthY+h/10, 90, 40, 40)
	return f
}
