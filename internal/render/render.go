// Package render draws detection overlays on canonical frames for the
// viewer stream.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"crowdwatch/internal/pipeline"
)

// DefaultQuality is the JPEG quality used for the viewer stream
const DefaultQuality = 50

var (
	boxColor     = color.RGBA{0, 255, 0, 255}
	warningColor = color.RGBA{255, 0, 0, 255}
	normalColor  = color.RGBA{255, 255, 255, 255}
	roiColor     = color.RGBA{0, 0, 255, 255}
	bannerColor  = color.RGBA{0, 0, 0, 180}
)

// overlay is a text badge drawn while a feature flag is on
type overlay struct {
	features []string // Any of these names turns the badge on
	text     string
	x, y     int
	color    color.RGBA
	flashing bool
}

var overlays = []overlay{
	{features: []string{"loitering_detection", "Loitering Detection"}, text: "LOITERING SCAN: ACTIVE", x: 10, y: 330, color: color.RGBA{255, 255, 0, 255}},
	{features: []string{"flow_analysis", "Flow Analysis"}, text: "FLOW: STABLE", x: 10, y: 310, color: color.RGBA{0, 255, 255, 255}},
	{features: []string{"Audio Panic Sensor"}, text: "AUDIO SENSOR: LISTENING", x: 280, y: 30, color: color.RGBA{255, 0, 255, 255}},
	{features: []string{"Siren Trigger"}, text: "!!! SIREN ACTIVE !!!", x: 150, y: 180, color: warningColor, flashing: true},
	{features: []string{"Emergency Call"}, text: "DIALING 911...", x: 280, y: 350, color: warningColor},
	{features: []string{"Predictive AI"}, text: "PREDICTION: 98% SAFE", x: 280, y: 50, color: boxColor},
	{features: []string{"Auto-Snapshot"}, text: "REC [o]", x: 400, y: 30, color: normalColor},
	{features: []string{"Data Export"}, text: "EXPORTING DATA...", x: 10, y: 290, color: normalColor},
	{features: []string{"User Management"}, text: "ADMIN PANEL: ACCESS GRANTED", x: 100, y: 150, color: boxColor},
}

// Annotate returns a copy of frame with the detection boxes, the count
// banner and the feature overlays drawn on it. The frame is not modified.
func Annotate(frame *pipeline.Frame, snap pipeline.Snapshot, features pipeline.Features) *image.RGBA {
	return annotateAt(frame, snap, features, time.Now())
}

func annotateAt(frame *pipeline.Frame, snap pipeline.Snapshot, features pipeline.Features, now time.Time) *image.RGBA {
	var src image.Image
	if frame != nil && frame.Image != nil {
		src = frame.Image
	} else {
		src = image.NewRGBA(image.Rect(0, 0, pipeline.DefaultWidth, pipeline.DefaultHeight))
	}
	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	// Full-frame filters first so boxes and text stay readable
	if enabled(features, "night_vision", "Night Vision Mode") {
		NightVision(img)
	} else if enabled(features, "Heatmap View") {
		Heatmap(img)
	}

	for _, det := range snap.Detections {
		DrawBox(img, det.BBox.Rect(), boxColor, 2)
	}

	if enabled(features, "roi_active", "Region of Interest") {
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		roi := image.Rect(w/4, h/4, 3*w/4, 3*h/4)
		DrawBox(img, roi, roiColor, 2)
		DrawLabel(img, roi.Min.X, roi.Min.Y-16, "ROI ACTIVE", roiColor)
	}
	if enabled(features, "night_vision", "Night Vision Mode") {
		DrawLabel(img, 10, img.Bounds().Dy()-24, "NIGHT VISION ON", boxColor)
	}

	for _, o := range overlays {
		if !enabled(features, o.features...) {
			continue
		}
		// Flashing badges show on alternate half seconds
		if o.flashing && (now.UnixMilli()/500)%2 != 0 {
			continue
		}
		DrawLabel(img, o.x, o.y, o.text, o.color)
	}

	drawBanner(img, snap)
	return img
}

func drawBanner(img *image.RGBA, snap pipeline.Snapshot) {
	c := normalColor
	if snap.Alert == pipeline.AlertHighDensity {
		c = warningColor
	}
	DrawLabel(img, 10, 8, fmt.Sprintf("Count: %d  %s", snap.Count, snap.Alert.Status()), c)
}

func enabled(features pipeline.Features, names ...string) bool {
	for _, name := range names {
		if features.Enabled(name) {
			return true
		}
	}
	return false
}

// DrawBox draws the outline of r, clipped to the image
func DrawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			setClipped(img, bounds, x, r.Min.Y+t, c)
			setClipped(img, bounds, x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			setClipped(img, bounds, r.Min.X+t, y, c)
			setClipped(img, bounds, r.Max.X-1-t, y, c)
		}
	}
}

func setClipped(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(bounds) {
		img.SetRGBA(x, y, c)
	}
}

// DrawLabel draws text with a dark background; (x, y) is the top-left
// corner of the background
func DrawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
	}
	width := d.MeasureString(label).Ceil()
	bg := image.Rect(x-2, y-2, x+width+2, y+14).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(bannerColor), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + face.Ascent)}
	d.DrawString(label)
}

// NightVision replaces img with its luminance in the green channel
func NightVision(img *image.RGBA) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		g := luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		img.Pix[i] = 0
		img.Pix[i+1] = g
		img.Pix[i+2] = 0
	}
}

// Heatmap maps luminance onto a blue-to-red ramp
func Heatmap(img *image.RGBA) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		r, g, b := jet(luma(img.Pix[i], img.Pix[i+1], img.Pix[i+2]))
		img.Pix[i] = r
		img.Pix[i+1] = g
		img.Pix[i+2] = b
	}
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}

// jet is a piecewise-linear approximation of the jet colormap
func jet(v uint8) (uint8, uint8, uint8) {
	x := float64(v) / 255
	channel := func(offset float64) uint8 {
		y := 1.5 - 4*abs(x-offset)
		if y < 0 {
			y = 0
		}
		if y > 1 {
			y = 1
		}
		return uint8(y * 255)
	}
	return channel(0.75), channel(0.5), channel(0.25)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// EncodeJPEG encodes img at quality, falling back to DefaultQuality
// for values outside 1..100
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "failed to encode JPEG")
	}
	return buf.Bytes(), nil
}
