package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/pipeline"
)

func solidFrame(c color.RGBA) *pipeline.Frame {
	img := image.NewRGBA(image.Rect(0, 0, pipeline.DefaultWidth, pipeline.DefaultHeight))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &pipeline.Frame{Image: img, Seq: 1}
}

func snapshotWith(boxes ...pipeline.BBox) pipeline.Snapshot {
	snap := pipeline.Snapshot{Count: len(boxes), Alert: pipeline.Classify(len(boxes), pipeline.DefaultAlertThreshold)}
	for _, b := range boxes {
		snap.Detections = append(snap.Detections, pipeline.Detection{Class: "person", Confidence: 0.9, BBox: b})
	}
	return snap
}

var gray = color.RGBA{100, 100, 100, 255}

func TestAnnotate_DrawsBoxesWithoutTouchingFrame(t *testing.T) {
	frame := solidFrame(gray)
	snap := snapshotWith(pipeline.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200})

	out := Annotate(frame, snap, pipeline.Features{})

	assert.Equal(t, boxColor, out.RGBAAt(150, 100))
	assert.Equal(t, boxColor, out.RGBAAt(100, 150))
	assert.Equal(t, gray, out.RGBAAt(150, 150), "box interior untouched")
	assert.Equal(t, gray, frame.Image.RGBAAt(150, 100), "source frame must not be modified")
}

func TestAnnotate_Banner(t *testing.T) {
	frame := solidFrame(gray)
	out := Annotate(frame, snapshotWith(), pipeline.Features{})

	// Banner background darkens the top-left corner
	assert.Less(t, out.RGBAAt(9, 7).R, gray.R)
	assert.Equal(t, gray, out.RGBAAt(400, 200))
}

func TestAnnotate_NightVision(t *testing.T) {
	frame := solidFrame(color.RGBA{200, 50, 50, 255})
	out := Annotate(frame, snapshotWith(), pipeline.Features{"night_vision": pipeline.BoolFlag(true)})

	px := out.RGBAAt(300, 200)
	assert.Equal(t, uint8(0), px.R)
	assert.Equal(t, uint8(0), px.B)
	assert.Equal(t, uint8(94), px.G)
}

func TestAnnotate_LegacyFeatureNames(t *testing.T) {
	frame := solidFrame(color.RGBA{200, 50, 50, 255})
	out := Annotate(frame, snapshotWith(), pipeline.Features{"Night Vision Mode": pipeline.BoolFlag(true)})
	assert.Equal(t, uint8(0), out.RGBAAt(300, 200).R)
}

func TestAnnotate_ROI(t *testing.T) {
	frame := solidFrame(gray)

	out := Annotate(frame, snapshotWith(), pipeline.Features{"roi_active": pipeline.BoolFlag(true)})
	assert.Equal(t, roiColor, out.RGBAAt(200, 90))
	assert.Equal(t, roiColor, out.RGBAAt(120, 200))

	off := Annotate(frame, snapshotWith(), pipeline.Features{"roi_active": pipeline.BoolFlag(false)})
	assert.Equal(t, gray, off.RGBAAt(200, 90))
}

func TestAnnotate_FlashingOverlay(t *testing.T) {
	frame := solidFrame(gray)
	features := pipeline.Features{"Siren Trigger": pipeline.BoolFlag(true)}

	on := annotateAt(frame, snapshotWith(), features, time.UnixMilli(0))
	off := annotateAt(frame, snapshotWith(), features, time.UnixMilli(500))

	assert.NotEqual(t, gray, on.RGBAAt(149, 179))
	assert.Equal(t, gray, off.RGBAAt(149, 179))
}

func TestAnnotate_NilFrame(t *testing.T) {
	out := Annotate(nil, snapshotWith(), pipeline.Features{})
	assert.Equal(t, image.Rect(0, 0, pipeline.DefaultWidth, pipeline.DefaultHeight), out.Bounds())
}

func TestDrawBox_Clipped(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	assert.NotPanics(t, func() {
		DrawBox(img, image.Rect(-5, -5, 50, 50), boxColor, 2)
	})
}

func TestEncodeJPEG(t *testing.T) {
	frame := solidFrame(gray)

	data, err := EncodeJPEG(frame.Image, 0)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, frame.Image.Bounds(), img.Bounds())

	high, err := EncodeJPEG(frame.Image, 95)
	require.NoError(t, err)
	assert.NotEmpty(t, high)
}
