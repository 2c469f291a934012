// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Backbone is a pre-trained feature extraction network, used frozen for transfer learning.
type Backbone int

const (
	BackboneUnsupported Backbone = iota
	InceptionV3
	ResNet50
	MobileNetV2
)

// Backbones lists the supported backbones.
var Backbones = []Backbone{InceptionV3, ResNet50, MobileNetV2}

// String implements fmt.Stringer.
func (b Backbone) String() string {
	switch b {
	case InceptionV3:
		return "InceptionV3"
	case ResNet50:
		return "ResNet50"
	case MobileNetV2:
		return "MobileNetV2"
	default:
		return fmt.Sprintf("Unsupported(%d)", int(b))
	}
}

// ParseBackbone returns the backbone with the given name, case-insensitive.
// Unknown names return BackboneUnsupported and an error wrapping ErrInvalidConfig.
func ParseBackbone(name string) (Backbone, error) {
	for _, b := range Backbones {
		if strings.EqualFold(name, b.String()) {
			return b, nil
		}
	}
	return BackboneUnsupported, errors.Wrapf(ErrInvalidConfig, "backbone %q is not supported, valid values are %q",
		name, Backbones)
}

// FeatureExtractor is a frozen pre-trained backbone.
type FeatureExtractor interface {
	// Backbone implemented.
	Backbone() Backbone

	// Features returns the features extracted from the images, shaped [batch_size, height, width, channels]
	// or [batch_size, features].
	// images are shaped [batch_size, height, width, 3] with values from 0.0 to 1.0.
	// ctx is scoped for the backbone variables.
	Features(ctx *context.Context, images *Node) *Node
}

// PrepareBackbone downloads (if needed) the pre-trained weights of the backbone to dataDir, and returns the
// FeatureExtractor that uses them.
//
// ctx is the root context: variables are loaded under ModelScope/BackboneScope and marked as not trainable.
func PrepareBackbone(ctx *context.Context, backbone Backbone, dataDir string) (FeatureExtractor, error) {
	switch backbone {
	case InceptionV3:
		return newInceptionExtractor(dataDir)
	case ResNet50, MobileNetV2:
		return newONNXExtractor(ctx.In(ModelScope).In(BackboneScope), backbone, onnxBackbones[backbone])
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "backbone %s has no feature extractor", backbone)
	}
}

// FreezeScope marks all variables under ctx's current scope as not trainable.
// It returns the number of variables frozen.
func FreezeScope(ctx *context.Context) int {
	var count int
	for v := range ctx.IterVariablesInScope() {
		v.SetTrainable(false)
		count++
	}
	return count
}
