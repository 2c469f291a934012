// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models builds the frost classifier models: a baseline convolutional network trained from scratch,
// and transfer learning models with a frozen pre-trained backbone.
//
// Models take one input, images shaped [batch_size, height, width, 3] with values from 0.0 to 1.0, and return
// the logits for the NumClasses classes.
package models

import (
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// NumClasses the models classify: background (0) and frost (1).
const NumClasses = 2

const (
	// ModelScope is the context scope under which the model variables are created.
	ModelScope = "model"

	// BackboneScope is the scope, under ModelScope, of the frozen backbone variables.
	BackboneScope = "backbone"

	// ParamModel selects the model type, one of ValidModels.
	ParamModel = "model"

	// ParamBackbone selects the backbone of the "transfer" model, see ParseBackbone.
	ParamBackbone = "backbone"

	// ParamDenseUnits is the number of units in the hidden dense layer of the classification head.
	ParamDenseUnits = "dense_units"

	// ParamDataDir is where pre-trained weights are downloaded to. It is set by NewModelFn.
	ParamDataDir = "data_dir"

	ModelBaseline = "baseline"
	ModelTransfer = "transfer"
)

// ValidModels lists the accepted values for ParamModel.
var ValidModels = []string{ModelBaseline, ModelTransfer}

// ErrInvalidConfig is returned (wrapped) when the model configuration is not valid.
var ErrInvalidConfig = errors.New("invalid model configuration")

// BackboneScopePath returns the absolute scope of the backbone variables.
func BackboneScopePath() string {
	return context.RootScope + ModelScope + context.ScopeSeparator + BackboneScope
}

// ValidateConfig checks the model hyperparameters in ctx, without building or downloading anything.
// Errors wrap ErrInvalidConfig.
func ValidateConfig(ctx *context.Context) (modelType string, backbone Backbone, err error) {
	modelType = strings.ToLower(context.GetParamOr(ctx, ParamModel, ModelBaseline))
	if !slices.Contains(ValidModels, modelType) {
		err = errors.Wrapf(ErrInvalidConfig, "parameter %q must be one of %q, got %q", ParamModel, ValidModels, modelType)
		return
	}
	if modelType == ModelTransfer {
		backbone, err = ParseBackbone(context.GetParamOr(ctx, ParamBackbone, ""))
	}
	return
}

// NewModelFn selects the model based on the hyperparameters "model" and "backbone" in ctx, and returns the
// model function to use with train.NewTrainer.
//
// For transfer learning models, it downloads the pre-trained backbone weights to dataDir (if not there yet) and
// loads them into ctx. ctx should be the root context: the model function will be called with
// ctx.In(ModelScope).
//
// No model is built if the configuration is invalid: the error returned wraps ErrInvalidConfig.
func NewModelFn(ctx *context.Context, dataDir string) (train.ModelFn, error) {
	modelType, backbone, err := ValidateConfig(ctx)
	if err != nil {
		return nil, err
	}
	switch modelType {
	case ModelBaseline:
		return BaselineModelGraph, nil
	case ModelTransfer:
		ctx.SetParam(ParamDataDir, dataDir)
		extractor, err := PrepareBackbone(ctx, backbone, dataDir)
		if err != nil {
			return nil, err
		}
		return TransferModelGraph(extractor), nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "model type %q not implemented", modelType)
}

// Predictions converts the model logits to class probabilities.
func Predictions(logits *Node) *Node {
	return Softmax(logits, -1)
}
