// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frostnet trains binary classifiers of frost in satellite image tiles.
//
// Train runs the whole pipeline: it resolves the split of each subframe, indexes the tiles, assembles the
// datasets, builds the model selected by the hyperparameters, trains it with early stopping on the validation
// loss and reports its classification quality on the test split.
//
// The paths are configured with a TOML file (see Config), and the hyperparameters are kept in a GoMLX
// context (see CreateDefaultContext).
package frostnet

import (
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/frostml/frostnet/dataset"
	"github.com/frostml/frostnet/evaluation"
	"github.com/frostml/frostnet/models"
	"github.com/frostml/frostnet/tiles"
	"github.com/frostml/frostnet/training"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamRunID is set by Train to the identifier of the run, and saved with the checkpoint.
const ParamRunID = "run_id"

// ShowProgress displays progress bars during training and evaluation.
var ShowProgress = true

// Result of a training run.
type Result struct {
	// RunID identifies the run in the logs and in the checkpoint.
	RunID string

	Index   *TileIndex
	History *training.History

	// Report of the model on the test split.
	Report *evaluation.Report

	// CheckpointDir where the model was saved, empty if no checkpoint was configured.
	CheckpointDir string
}

// Train runs the training pipeline configured by cfg and the hyperparameters in ctx, see CreateDefaultContext.
//
// paramsSet are the hyperparameters set by the user (e.g. from the command line): these take precedence over
// the ones loaded from an existing checkpoint.
//
// If a checkpoint exists in the configured directory, its weights are loaded and training continues from them.
func Train(backend backends.Backend, ctx *context.Context, cfg *Config, paramsSet []string) (result *Result, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	var trainErr error
	err = exceptions.TryCatch[error](func() {
		result, trainErr = runPipeline(backend, ctx, cfg, paramsSet)
	})
	if err != nil {
		return result, errors.WithMessage(err, "training failed")
	}
	return result, trainErr
}

func runPipeline(backend backends.Backend, ctx *context.Context, cfg *Config, paramsSet []string) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	klog.Infof("Run %s", result.RunID)
	if err := os.MkdirAll(cfg.Output.DataDir, 0o755); err != nil {
		return result, errors.Wrapf(err, "failed to create data directory %q", cfg.Output.DataDir)
	}

	// Checkpoint: it loads the hyperparameters and weights if it already exists, and it is saved
	// every time the validation loss improves.
	var checkpoint *checkpoints.Handler
	if cfg.Output.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(cfg.Output.CheckpointDir, cfg.Output.DataDir).
			ExcludeParams(slices.Concat(paramsSet, ParamsExcludedFromSaving)...).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 1)).
			Done()
		if err != nil {
			return result, errors.WithMessagef(err, "failed to build checkpoint in %q", cfg.Output.CheckpointDir)
		}
		result.CheckpointDir = checkpoint.Dir()
	}
	ctx.SetParam(ParamRunID, result.RunID)
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep == 0 {
		seed := context.GetParamOr(ctx, dataset.ParamSeed, int(dataset.DefaultConfig().Seed))
		ctx.SetParam(context.ParamInitialSeed, int64(seed))
	} else {
		klog.Infof("Continuing training from checkpoint %q at global step %s", result.CheckpointDir,
			humanize.Comma(globalStep))
	}

	// Datasets.
	var err error
	result.Index, err = IndexTiles(cfg)
	if err != nil {
		return result, err
	}
	dss, err := dataset.Assemble(result.Index.BySplit, dataset.ConfigFromContext(ctx))
	if err != nil {
		return result, err
	}
	defer dss.Done()

	// Model.
	modelFn, err := models.NewModelFn(ctx, cfg.Output.DataDir)
	if err != nil {
		return result, err
	}
	klog.Infof("Model: %s", modelDescription(ctx))
	trainer := train.NewTrainer(backend, ctx.In(models.ModelScope), modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)},
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
	if globalStep > 0 {
		trainer.SetContext(ctx.In(models.ModelScope).Reuse())
	}
	loop := train.NewLoop(trainer)
	if ShowProgress {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		// Backbone variables are only created when the graph is first built: exclude them at the end of the
		// first epoch, before the first checkpoint is saved.
		loop.OnEnd("exclude frozen backbone from checkpoint", 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
			checkpoint.ExcludeVarsFromSaving(backboneVariables(ctx)...)
			return nil
		})
	}

	// Train with early stopping.
	result.History, err = training.Fit(trainer, loop, dss.Train, dss.Validation, training.ConfigFromContext(ctx),
		training.FitOptions{
			Checkpoint:      checkpoint,
			SnapshotExclude: []string{models.BackboneScopePath()},
			OnEpoch: func(stats training.EpochStats) {
				klog.Infof("Epoch %d: %s", stats.Epoch, stats)
			},
		})
	if err != nil {
		return result, err
	}
	if err = writeHistory(ctx, cfg, result.History); err != nil {
		return result, err
	}

	updated, err := batchnorm.UpdateAverages(trainer, dss.TrainEval)
	dss.TrainEval.Reset()
	if err != nil {
		return result, errors.WithMessage(err, "failed to update batch normalization averages")
	}
	if updated {
		klog.Infof("Updated batch normalization mean/variances averages")
		if checkpoint != nil {
			if err = checkpoint.Save(); err != nil {
				return result, errors.WithMessage(err, "failed to save checkpoint")
			}
		}
	}

	// Evaluation on the test split.
	evaluation.ShowProgress = ShowProgress
	trueLabels, predicted, err := evaluation.Predict(backend, ctx.In(models.ModelScope), modelFn, dss.Test)
	if err != nil {
		return result, err
	}
	result.Report, err = evaluation.NewReport(trueLabels, predicted, tiles.ClassNames)
	if err != nil {
		return result, errors.WithMessagef(err, "failed to evaluate on %q", dss.Test.Name())
	}
	klog.Infof("Test accuracy: %.4f on %s tiles", result.Report.Accuracy, humanize.Comma(int64(result.Report.Total)))
	return result, nil
}

// modelDescription returns the model type, and the backbone for transfer learning models.
func modelDescription(ctx *context.Context) string {
	modelType, backbone, err := models.ValidateConfig(ctx)
	if err != nil {
		return err.Error()
	}
	if modelType == models.ModelTransfer {
		return modelType + " (" + backbone.String() + ")"
	}
	return modelType
}

// backboneVariables returns the variables of the frozen backbone, if any.
func backboneVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.InAbsPath(models.BackboneScopePath()).IterVariablesInScope() {
		vars = append(vars, v)
	}
	return vars
}

// writeHistory saves the training history as configured, and displays its plots if running in a notebook.
func writeHistory(ctx *context.Context, cfg *Config, history *training.History) error {
	if cfg.Output.HistoryCSV != "" {
		if err := history.SaveCSV(cfg.Output.HistoryCSV); err != nil {
			return err
		}
	}
	if cfg.Output.HistoryPlot != "" && len(history.Epochs) > 0 {
		if err := history.SavePlot(cfg.Output.HistoryPlot); err != nil {
			return err
		}
	}
	if context.GetParamOr(ctx, ParamPlots, false) {
		return history.Display()
	}
	return nil
}
