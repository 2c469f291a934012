// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// inceptionExtractor implements FeatureExtractor with GoMLX's InceptionV3 and the Keras pre-trained weights.
type inceptionExtractor struct {
	weightsDir string
}

func newInceptionExtractor(dataDir string) (*inceptionExtractor, error) {
	if err := inceptionv3.DownloadAndUnpackWeights(dataDir); err != nil {
		return nil, errors.WithMessagef(err, "failed to download InceptionV3 weights to %q", dataDir)
	}
	return &inceptionExtractor{weightsDir: dataDir}, nil
}

// Backbone implements FeatureExtractor.
func (e *inceptionExtractor) Backbone() Backbone { return InceptionV3 }

// Features implements FeatureExtractor. It returns the mean pooled features, shaped [batch_size, 2048].
func (e *inceptionExtractor) Features(ctx *context.Context, imgs *Node) *Node {
	imgs.AssertRank(4)
	if size := imgs.Shape().Dimensions[1]; size < inceptionv3.MinimumImageSize {
		panic(errors.Wrapf(ErrInvalidConfig, "InceptionV3 requires images of at least %dx%d, got %d",
			inceptionv3.MinimumImageSize, inceptionv3.MinimumImageSize, size))
	}
	imgs = inceptionv3.PreprocessImage(imgs, 1.0, images.ChannelsLast)
	return inceptionv3.BuildGraph(ctx, imgs).
		PreTrained(e.weightsDir).
		SetPooling(inceptionv3.MeanPooling).
		ClassificationTop(false).
		Trainable(false).
		Done()
}
