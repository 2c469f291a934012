// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// DType of the images tensors.
var DType = dtypes.Float32

// LoadTile reads the image in path and returns it as an opaque RGB image of size x size pixels.
//
// An error is returned if the file is missing or can't be decoded.
func LoadTile(path string, size int) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tile %q", path)
	}
	return Normalize(img, size), nil
}

// Normalize converts img to 3 color channels (alpha is dropped) and resizes it to size x size.
func Normalize(img image.Image, size int) *image.NRGBA {
	var out *image.NRGBA
	if bounds := img.Bounds(); bounds.Dx() == size && bounds.Dy() == size {
		out = imaging.Clone(img)
	} else {
		out = imaging.Resize(img, size, size, imaging.Linear)
	}
	// Drop the alpha channel: colors are kept as they are, not blended with any background.
	for ii := 3; ii < len(out.Pix); ii += 4 {
		out.Pix[ii] = 0xFF
	}
	return out
}

// ToTensor converts a batch of images to a tensor shaped [batch_size, height, width, 3], with values
// scaled to [0, 1].
func ToTensor(imgs []image.Image) *tensors.Tensor {
	return images.ToTensor(DType).Batch(imgs)
}
