// Package overlay paints Grad-CAM heatmaps onto the images they explain.
package overlay

import (
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/gradcam"
	"github.com/Brownie44l1/xray-gradcam/internal/imaging"
)

// Blend weights for original and colorized heatmap.
const (
	ImageWeight   = 0.6
	HeatmapWeight = 0.4
)

var jet = buildJet()

// buildJet tabulates the jet ramp: dark blue through cyan, yellow, to dark
// red.
func buildJet() [256]color.RGBA {
	var lut [256]color.RGBA
	channel := func(x, centre float64) uint8 {
		v := 1.5 - math.Abs(4*x-centre)
		v = math.Max(0, math.Min(1, v))
		return uint8(math.Round(255 * v))
	}
	for i := range lut {
		x := float64(i) / 255
		lut[i] = color.RGBA{R: channel(x, 3), G: channel(x, 2), B: channel(x, 1), A: 255}
	}
	return lut
}

// Jet maps an intensity to its ramp colour.
func Jet(v uint8) color.RGBA { return jet[v] }

// Render resizes hm to the bounds of original, colours it with the jet ramp
// and blends it over the original. The result always has original's bounds.
func Render(hm *gradcam.Heatmap, original image.Image) (*image.RGBA, error) {
	const op = "overlay.Render"
	if hm == nil || hm.Width <= 0 || hm.Height <= 0 || len(hm.Values) != hm.Width*hm.Height {
		return nil, failure.Configurationf(op, "invalid heatmap")
	}
	if original == nil || original.Bounds().Empty() {
		return nil, failure.Configurationf(op, "original image is empty")
	}

	bounds := original.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	heat := Upsample(hm, w, h)
	base := expand(original)

	out := image.NewRGBA(bounds)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := jet[uint8(255*heat[y*w+x])]
			o := base.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			out.SetRGBA(bounds.Min.X+x, bounds.Min.Y+y, color.RGBA{
				R: blend(o.R, c.R),
				G: blend(o.G, c.G),
				B: blend(o.B, c.B),
				A: 255,
			})
		}
	}
	return out, nil
}

// Upsample interpolates hm bilinearly to w x h. Values stay in [0, 1].
func Upsample(hm *gradcam.Heatmap, w, h int) []float64 {
	src := image.NewGray16(image.Rect(0, 0, hm.Width, hm.Height))
	for y := 0; y < hm.Height; y++ {
		for x := 0; x < hm.Width; x++ {
			v := math.Max(0, math.Min(1, hm.At(x, y)))
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 65535))})
		}
	}

	resized := resize.Resize(uint(w), uint(h), src, resize.Bilinear)
	rb := resized.Bounds()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(resized.At(rb.Min.X+x, rb.Min.Y+y)).(color.Gray16)
			out[y*w+x] = float64(g.Y) / 65535
		}
	}
	return out
}

// expand returns original as RGBA, replicating a single gray channel into
// all three colour channels.
func expand(original image.Image) *image.RGBA {
	if g, ok := original.(*image.Gray); ok {
		out := image.NewRGBA(g.Bounds())
		for i, v := range g.Pix {
			y, x := i/g.Stride, i%g.Stride
			if x >= g.Bounds().Dx() {
				continue
			}
			out.SetRGBA(g.Rect.Min.X+x, g.Rect.Min.Y+y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
		return out
	}
	if rgba, ok := original.(*image.RGBA); ok {
		return rgba
	}
	return imaging.ToRGBA(original)
}

func blend(orig, heat uint8) uint8 {
	v := math.Round(ImageWeight*float64(orig) + HeatmapWeight*float64(heat))
	return uint8(math.Max(0, math.Min(255, v)))
}
