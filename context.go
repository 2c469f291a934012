// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frostnet

import (
	"github.com/frostml/frostnet/dataset"
	"github.com/frostml/frostnet/models"
	"github.com/frostml/frostnet/training"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// ParamNumCheckpoints is the number of checkpoints kept in the checkpoint directory.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamPlots displays the training history plots at the end of training, when running in a notebook.
	ParamPlots = "plots"
)

// ParamsExcludedFromSaving are hyperparameters that only affect a run, and are not saved with the checkpoint.
var ParamsExcludedFromSaving = []string{
	models.ParamDataDir,
	context.ParamInitialSeed,
	ParamNumCheckpoints,
	ParamPlots,
	dataset.ParamParallelism,
	training.ParamNumEpochs,
}

// CreateDefaultContext returns a context with the default hyperparameters used by Train.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Model: "baseline" (trained from scratch) or "transfer" (frozen pre-trained backbone).
		models.ParamModel: models.ModelBaseline,

		// Backbone of the "transfer" model: "InceptionV3", "ResNet50" or "MobileNetV2".
		models.ParamBackbone:       models.InceptionV3.String(),
		models.ParamBackboneOutput: "",

		// Classification head.
		models.ParamDenseUnits:  128,
		layers.ParamDropoutRate: 0.5,

		// Datasets: all randomness (shuffling, augmentation and the model initialization) derives from seed.
		dataset.ParamImageSize:      224,
		dataset.ParamBatchSize:      32,
		dataset.ParamEvalBatchSize:  64,
		dataset.ParamShuffleBuffer:  1000,
		dataset.ParamSeed:           42,
		dataset.ParamParallelism:    0, // 0 for the number of cores, -1 to disable.
		dataset.ParamStepsPerEpoch:  0, // 0 for full epochs.
		dataset.ParamDropIncomplete: false,

		// Augmentation of the training tiles.
		dataset.ParamAugment:            true,
		dataset.ParamAugFlipProbability: 0.5,
		dataset.ParamAugMaxRotation:     30.0, // Degrees.
		dataset.ParamAugMinZoom:         0.8,
		dataset.ParamAugMaxZoom:         1.2,
		dataset.ParamAugMinContrast:     0.5,
		dataset.ParamAugMaxContrast:     1.5,
		dataset.ParamAugMaxTranslation:  30, // Pixels.

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,

		// Early stopping on the validation loss.
		training.ParamNumEpochs:          50,
		training.ParamPatience:           10,
		training.ParamMinDelta:           0.0,
		training.ParamRestoreBestWeights: true,

		ParamNumCheckpoints: 1,
		ParamPlots:          true,
	})
	return ctx
}
