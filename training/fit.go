// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training runs the epoch loop of the frost classifier: one epoch of training, evaluation on the
// validation dataset, and early stopping on the validation loss, restoring the best weights at the end.
//
// The per-epoch statistics are collected in a History, that can be exported as CSV or plotted.
package training

import (
	"math"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamNumEpochs is the maximum number of epochs to train.
	ParamNumEpochs = "num_epochs"

	// ParamPatience is the number of epochs without improvement of the validation loss before stopping.
	ParamPatience = "patience"

	// ParamMinDelta is the minimum decrease of the validation loss that counts as an improvement.
	ParamMinDelta = "min_delta"

	// ParamRestoreBestWeights restores the weights of the best epoch at the end of training.
	ParamRestoreBestWeights = "restore_best_weights"
)

// Config of the training loop.
type Config struct {
	NumEpochs   int
	Patience    int
	MinDelta    float64
	RestoreBest bool
}

// DefaultConfig returns the default training loop configuration.
func DefaultConfig() Config {
	return Config{
		NumEpochs:   50,
		Patience:    10,
		MinDelta:    0,
		RestoreBest: true,
	}
}

// ConfigFromContext reads the training loop configuration from the context hyperparameters,
// using DefaultConfig for the ones not set.
func ConfigFromContext(ctx *context.Context) Config {
	c := DefaultConfig()
	c.NumEpochs = context.GetParamOr(ctx, ParamNumEpochs, c.NumEpochs)
	c.Patience = context.GetParamOr(ctx, ParamPatience, c.Patience)
	c.MinDelta = context.GetParamOr(ctx, ParamMinDelta, c.MinDelta)
	c.RestoreBest = context.GetParamOr(ctx, ParamRestoreBestWeights, c.RestoreBest)
	return c
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.NumEpochs <= 0 {
		return errors.Errorf("%q must be > 0, got %d", ParamNumEpochs, c.NumEpochs)
	}
	if c.Patience < 0 {
		return errors.Errorf("%q must be >= 0, got %d", ParamPatience, c.Patience)
	}
	if c.MinDelta < 0 || math.IsNaN(c.MinDelta) {
		return errors.Errorf("%q must be >= 0, got %g", ParamMinDelta, c.MinDelta)
	}
	return nil
}

// FitOptions are the optional settings of Fit.
type FitOptions struct {
	// Checkpoint, if not nil, is saved every time the validation loss improves.
	Checkpoint *checkpoints.Handler

	// SnapshotExclude lists absolute scopes whose variables are not included in the best weights snapshot,
	// typically the frozen backbone.
	SnapshotExclude []string

	// OnEpoch, if set, is called at the end of each epoch, after evaluation.
	OnEpoch func(stats EpochStats)
}

// Fit trains for up to config.NumEpochs epochs, each one followed by an evaluation on validDS.
//
// It stops early once the validation loss doesn't improve for config.Patience epochs. If config.RestoreBest is set,
// the model variables of the epoch with the lowest validation loss are restored at the end.
//
// The trainer must have a loss metric among its train and eval metrics (the default), and
// optionally an accuracy metric.
//
// It returns the History so far, even if it fails.
func Fit(trainer *train.Trainer, loop *train.Loop, trainDS, validDS train.Dataset, config Config, opts FitOptions) (*History, error) {
	history := &History{}
	if err := config.Validate(); err != nil {
		return history, err
	}
	ctx := trainer.Context()
	stopper := NewEarlyStopping(config.Patience, config.MinDelta)
	var best *Snapshot
	defer func() {
		if best != nil {
			best.Finalize()
		}
	}()

	for epoch := 1; epoch <= config.NumEpochs; epoch++ {
		start := time.Now()
		trainValues, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return history, errors.WithMessagef(err, "failed training epoch %d", epoch)
		}
		stats := EpochStats{Epoch: epoch}
		stats.TrainLoss = metricValue(trainer.TrainMetrics(), trainValues, metrics.LossMetricType)
		stats.TrainAccuracy = metricValue(trainer.TrainMetrics(), trainValues, metrics.AccuracyMetricType)

		evalValues, err := trainer.Eval(validDS)
		validDS.Reset()
		if err != nil {
			return history, errors.WithMessagef(err, "failed evaluating %q after epoch %d", validDS.Name(), epoch)
		}
		stats.ValidationLoss = metricValue(trainer.EvalMetrics(), evalValues, metrics.LossMetricType)
		stats.ValidationAccuracy = metricValue(trainer.EvalMetrics(), evalValues, metrics.AccuracyMetricType)
		stats.Duration = time.Since(start)

		var stop bool
		stats.Improved, stop = stopper.Update(epoch, stats.ValidationLoss)
		history.Epochs = append(history.Epochs, stats)
		klog.V(1).Infof("Epoch %d: %s", epoch, stats)

		if stats.Improved {
			history.BestEpoch = epoch
			if config.RestoreBest {
				snapshot, err := TakeSnapshot(ctx, opts.SnapshotExclude...)
				if err != nil {
					return history, errors.WithMessagef(err, "failed to snapshot weights of epoch %d", epoch)
				}
				if best != nil {
					best.Finalize()
				}
				best = snapshot
			}
			if opts.Checkpoint != nil {
				if err := opts.Checkpoint.Save(); err != nil {
					return history, errors.WithMessagef(err, "failed to save checkpoint after epoch %d", epoch)
				}
			}
		}
		if opts.OnEpoch != nil {
			opts.OnEpoch(stats)
		}
		if stop {
			history.StoppedEpoch = epoch
			klog.Infof("Early stopping after epoch %d: no improvement of the validation loss in the last %d epochs",
				epoch, stopper.Wait())
			break
		}
	}

	if best != nil && history.BestEpoch != len(history.Epochs) {
		if err := best.Restore(ctx); err != nil {
			return history, errors.WithMessagef(err, "failed to restore weights of epoch %d", history.BestEpoch)
		}
		history.Restored = true
		klog.Infof("Restored model weights from epoch %d (validation loss %.4f)",
			history.BestEpoch, history.Epochs[history.BestEpoch-1].ValidationLoss)
	}
	return history, nil
}

// metricValue returns the value of the last metric of the given type, or NaN if there is none.
func metricValue(metricsList []metrics.Interface, values []*tensors.Tensor, metricType string) float64 {
	for ii := min(len(metricsList), len(values)) - 1; ii >= 0; ii-- {
		if metricsList[ii].MetricType() == metricType {
			return scalarToFloat64(values[ii])
		}
	}
	return math.NaN()
}

func scalarToFloat64(t *tensors.Tensor) float64 {
	if t == nil || !t.IsScalar() {
		return math.NaN()
	}
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}
