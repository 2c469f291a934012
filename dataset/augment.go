// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmentation configures the random transformations applied to training tiles.
//
// Transformations are applied independently per image, always in the order:
// flip, rotation, zoom, contrast and translation. Areas uncovered by a transformation are filled with black.
type Augmentation struct {
	// FlipProbability is the probability of flipping the image horizontally.
	FlipProbability float64

	// MaxRotation in degrees: the angle is sampled uniformly from [-MaxRotation, MaxRotation].
	MaxRotation float64

	// MinZoom and MaxZoom define the range of the isotropic zoom factor. Values > 1 zoom in.
	// The zoomed image is center cropped or padded back to its original size.
	MinZoom, MaxZoom float64

	// MinContrast and MaxContrast define the range of the contrast factor, applied around the per-channel mean.
	MinContrast, MaxContrast float64

	// MaxTranslation in pixels, sampled uniformly from [-MaxTranslation, MaxTranslation] on each axis.
	MaxTranslation int
}

// DefaultAugmentation returns the augmentation used for training.
func DefaultAugmentation() Augmentation {
	return Augmentation{
		FlipProbability: 0.5,
		MaxRotation:     30,
		MinZoom:         0.8,
		MaxZoom:         1.2,
		MinContrast:     0.5,
		MaxContrast:     1.5,
		MaxTranslation:  30,
	}
}

func uniform(rng *rand.Rand, low, high float64) float64 {
	return low + rng.Float64()*(high-low)
}

// Apply returns a randomly transformed copy of img, with the same size. The source image is not modified.
func (a Augmentation) Apply(img image.Image, rng *rand.Rand) *image.NRGBA {
	out := imaging.Clone(img)
	if a.FlipProbability > 0 && rng.Float64() < a.FlipProbability {
		out = imaging.FlipH(out)
	}
	if a.MaxRotation > 0 {
		out = Rotate(out, uniform(rng, -a.MaxRotation, a.MaxRotation))
	}
	if a.MaxZoom > 0 && (a.MinZoom != 1 || a.MaxZoom != 1) {
		out = Zoom(out, uniform(rng, a.MinZoom, a.MaxZoom))
	}
	if a.MaxContrast > 0 && (a.MinContrast != 1 || a.MaxContrast != 1) {
		out = AdjustContrast(out, uniform(rng, a.MinContrast, a.MaxContrast))
	}
	if a.MaxTranslation > 0 {
		dx := rng.Intn(2*a.MaxTranslation+1) - a.MaxTranslation
		dy := rng.Intn(2*a.MaxTranslation+1) - a.MaxTranslation
		out = Translate(out, dx, dy)
	}
	return out
}

// Rotate img by angle degrees (counter-clockwise) around its center, keeping its size.
func Rotate(img *image.NRGBA, angle float64) *image.NRGBA {
	if angle == 0 {
		return img
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	rotated := imaging.Rotate(img, angle, color.Black)
	return imaging.CropCenter(rotated, width, height)
}

// Zoom scales img by factor and then crops (factor > 1) or pads (factor < 1) it around its center back to its
// original size.
func Zoom(img *image.NRGBA, factor float64) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	zoomedWidth := max(1, int(math.Round(float64(width)*factor)))
	zoomedHeight := max(1, int(math.Round(float64(height)*factor)))
	if zoomedWidth == width && zoomedHeight == height {
		return img
	}
	zoomed := imaging.Resize(img, zoomedWidth, zoomedHeight, imaging.Linear)
	if zoomedWidth >= width && zoomedHeight >= height {
		return imaging.CropCenter(zoomed, width, height)
	}
	return imaging.PasteCenter(imaging.New(width, height, color.Black), zoomed)
}

// AdjustContrast scales the distance of each pixel to the mean of its channel by factor. Results are clipped
// to the valid range.
func AdjustContrast(img *image.NRGBA, factor float64) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width == 0 || height == 0 {
		return img
	}
	var means [3]float64
	for y := range height {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := range width {
			for c := range 3 {
				means[c] += float64(row[x*4+c])
			}
		}
	}
	numPixels := float64(width * height)
	for c := range means {
		means[c] /= numPixels
	}
	adjust := func(v uint8, mean float64) uint8 {
		return clampUint8((float64(v)-mean)*factor + mean)
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: adjust(c.R, means[0]),
			G: adjust(c.G, means[1]),
			B: adjust(c.B, means[2]),
			A: c.A,
		}
	})
}

func clampUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Translate shifts img by (dx, dy) pixels, keeping its size.
func Translate(img *image.NRGBA, dx, dy int) *image.NRGBA {
	if dx == 0 && dy == 0 {
		return img
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	return imaging.Paste(imaging.New(width, height, color.Black), img, image.Pt(dx, dy))
}
