package source

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PlaceholderText is drawn on the frame shown while the device is down
const PlaceholderText = "CAMERA UNAVAILABLE"

// Placeholder returns a black width x height frame with the
// unavailable notice roughly centred
func Placeholder(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
	}
	textWidth := d.MeasureString(PlaceholderText).Ceil()
	x := (width - textWidth) / 2
	if x < 0 {
		x = 0
	}
	y := height / 2
	d.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)}
	d.DrawString(PlaceholderText)
	return img
}
