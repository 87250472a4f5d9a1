/**
 * Image preprocessing ahead of OCR
 *
 * OCR accuracy is sensitive to channel depth, so every page is first reduced
 * to a single gray channel. Contrast and brightness are multipliers centered
 * at 1.0; contrast pivots around the image mean, matching the behavior of the
 * usual image-enhance implementations. Sharpening is an unsharp mask applied
 * only when a factor other than 1.0 is requested.
 */

package engine

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// Preprocess converts a PNG page image to grayscale and applies the contrast,
// brightness and sharpen factors, returning the result PNG-encoded.
func Preprocess(data []byte, contrast, brightness, sharpen float64) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode page image: %w", err)
	}

	gray := toGray(src)

	if contrast != 1.0 {
		applyContrast(gray, contrast)
	}
	if brightness != 1.0 {
		applyBrightness(gray, brightness)
	}
	if sharpen != 1.0 {
		gray = unsharpMask(gray, sharpen)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode preprocessed image: %w", err)
	}

	return buf.Bytes(), nil
}

// toGray converts any image to a single-channel grayscale image.
func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	bounds := src.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, src, bounds.Min, draw.Src)
	return gray
}

// applyBrightness multiplies every pixel by factor.
func applyBrightness(img *image.Gray, factor float64) {
	for i, v := range img.Pix {
		img.Pix[i] = clamp(float64(v) * factor)
	}
}

// applyContrast scales the distance of every pixel from the image mean.
func applyContrast(img *image.Gray, factor float64) {
	if len(img.Pix) == 0 {
		return
	}

	var sum uint64
	for _, v := range img.Pix {
		sum += uint64(v)
	}
	mean := float64(sum) / float64(len(img.Pix))

	for i, v := range img.Pix {
		img.Pix[i] = clamp(mean + (float64(v)-mean)*factor)
	}
}

// unsharpMask sharpens by adding back the difference between the image and a
// 3x3 box blur of it, weighted by (factor - 1). A factor below 1.0 softens.
func unsharpMask(img *image.Gray, factor float64) *image.Gray {
	bounds := img.Bounds()
	blurred := boxBlur(img)
	out := image.NewGray(bounds)

	amount := factor - 1.0
	for i, v := range img.Pix {
		diff := float64(v) - float64(blurred.Pix[i])
		out.Pix[i] = clamp(float64(v) + diff*amount)
	}

	return out
}

func boxBlur(img *image.Gray) *image.Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := image.NewGray(bounds)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, count int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					sum += int(img.Pix[ny*img.Stride+nx])
					count++
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / count)
		}
	}

	return out
}

func clamp(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
