// Package imaging decodes uploaded images, converts them into classifier
// input tensors and encodes result images for transport.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// DefaultJPEGQuality matches the quality OpenCV's encoder uses by default.
const DefaultJPEGQuality = 95

// Decode parses JPEG, PNG, GIF, BMP, TIFF or WebP data.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy())
	}
	return img, format, nil
}

// ToRGBA copies img into a new RGBA image with the same bounds. Grayscale
// sources are expanded to three equal channels.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

// Normalize resizes img to size x size and returns a [1, 3, size, size]
// tensor with each channel scaled to [0, 1] then standardized with mean and
// std.
func Normalize(img image.Image, size int, mean, std []float32) (*tensor.Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if len(mean) != 3 || len(std) != 3 {
		return nil, fmt.Errorf("mean and std need 3 channels, got %d and %d", len(mean), len(std))
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	x := tensor.Zeros(1, 3, size, size)
	planes := [3][]float32{x.Plane(0, 0), x.Plane(0, 1), x.Plane(0, 2)}
	for y := 0; y < size; y++ {
		for xx := 0; xx < size; xx++ {
			r, g, b, _ := resized.At(bounds.Min.X+xx, bounds.Min.Y+y).RGBA()
			i := y*size + xx
			planes[0][i] = (float32(r)/65535 - mean[0]) / std[0]
			planes[1][i] = (float32(g)/65535 - mean[1]) / std[1]
			planes[2][i] = (float32(b)/65535 - mean[2]) / std[2]
		}
	}
	return x, nil
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBase64JPEG returns the standard base64 text of img encoded as JPEG.
func EncodeBase64JPEG(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
