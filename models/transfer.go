// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// TransferModelGraph returns a train.ModelFn that extracts features with the frozen backbone, applies global
// average pooling, and the classification head on top.
//
// The backbone features are wrapped with StopGradient, so no gradients reach the backbone.
func TransferModelGraph(extractor FeatureExtractor) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		images := inputs[0]
		features := extractor.Features(ctx.In(BackboneScope), images)
		features = StopGradient(features)
		features = GlobalAveragePooling(features)
		logits := ClassificationHead(ctx.In("head"), features)
		return []*Node{logits}
	}
}

// GlobalAveragePooling takes the mean over the spatial axes of x shaped [batch_size, height, width, channels]
// (or [batch_size, length, channels]). Features already shaped [batch_size, features] are returned as is.
func GlobalAveragePooling(x *Node) *Node {
	switch x.Rank() {
	case 2:
		return x
	case 3:
		return ReduceMean(x, 1)
	case 4:
		return ReduceMean(x, 1, 2)
	default:
		exceptions.Panicf("GlobalAveragePooling: features of rank 2, 3 or 4 expected, got %s", x.Shape())
		panic(nil) // Quiet linter.
	}
}
