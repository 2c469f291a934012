// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// BaselineChannels is the number of channels of each convolution block of the baseline model.
var BaselineChannels = []int{32, 64, 128}

// BaselineModelGraph implements train.ModelFn: a CNN with three blocks of convolution, batch normalization
// and max-pooling, followed by the classification head.
//
// It returns the logits, not the probabilities.
func BaselineModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	batchSize := images.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	logits := images
	for _, channels := range BaselineChannels {
		logits = layers.Convolution(nextCtx("conv"), logits).Channels(channels).KernelSize(3).PadSame().Done()
		logits = activations.Relu(logits)
		logits = batchnorm.New(nextCtx("batchnorm"), logits, -1).Done()
		logits = MaxPool(logits).Window(2).Done()
	}

	// Flatten the resulting image, and treat the convolved values as tabular.
	logits = Reshape(logits, batchSize, -1)
	logits = ClassificationHead(nextCtx("head"), logits)
	return []*Node{logits}
}

// ClassificationHead takes the features shaped [batch_size, num_features] and returns the logits
// shaped [batch_size, NumClasses]: dense layer, batch normalization, dropout and the readout layer.
//
// The number of hidden units is set by the hyperparameter "dense_units", and the dropout rate by
// "dropout_rate" (layers.ParamDropoutRate).
func ClassificationHead(ctx *context.Context, features *Node) *Node {
	g := features.Graph()
	dtype := features.DType()
	denseUnits := context.GetParamOr(ctx, ParamDenseUnits, 128)
	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.5)

	x := layers.Dense(ctx.In("dense"), features, true, denseUnits)
	x = activations.Relu(x)
	x = batchnorm.New(ctx.In("batchnorm"), x, -1).Done()
	if dropoutRate > 0 {
		x = layers.DropoutNormalize(ctx.In("dropout"), x, Scalar(g, dtype, dropoutRate), true)
	}
	logits := layers.Dense(ctx.In("readout"), x, true, NumClasses)
	logits.AssertDims(features.Shape().Dimensions[0], NumClasses)
	return logits
}
