// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"runtime"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/frostml/frostnet/splits"
	"github.com/frostml/frostnet/tiles"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters read by ConfigFromContext.
const (
	ParamImageSize      = "image_size"
	ParamBatchSize      = "batch_size"
	ParamEvalBatchSize  = "eval_batch_size"
	ParamShuffleBuffer  = "shuffle_buffer"
	ParamSeed           = "seed"
	ParamParallelism    = "parallelism"
	ParamStepsPerEpoch  = "steps_per_epoch"
	ParamDropIncomplete = "drop_incomplete_batches"

	ParamAugment            = "augment"
	ParamAugFlipProbability = "aug_flip_probability"
	ParamAugMaxRotation     = "aug_max_rotation"
	ParamAugMinZoom         = "aug_min_zoom"
	ParamAugMaxZoom         = "aug_max_zoom"
	ParamAugMinContrast     = "aug_min_contrast"
	ParamAugMaxContrast     = "aug_max_contrast"
	ParamAugMaxTranslation  = "aug_max_translation"
)

// Config of the datasets assembled.
type Config struct {
	// ImageSize is the width and height tiles are resized to.
	ImageSize int

	// BatchSize for training, and EvalBatchSize for evaluation datasets.
	BatchSize, EvalBatchSize int

	// ShuffleBuffer is the size of the shuffle buffer used at each epoch of training.
	ShuffleBuffer int

	// Seed controls all the randomness in the datasets.
	Seed int64

	// Augment enables Augmentation of the training dataset.
	Augment      bool
	Augmentation Augmentation

	// Parallelism is the number of goroutines loading tiles per dataset. 0 uses the number of cores,
	// and a negative value disables parallelism.
	Parallelism int

	// StepsPerEpoch limits the number of training batches per epoch, if > 0.
	StepsPerEpoch int

	// DropIncomplete drops the last incomplete batch of the training dataset.
	DropIncomplete bool
}

// DefaultConfig returns the default datasets configuration.
func DefaultConfig() Config {
	return Config{
		ImageSize:     224,
		BatchSize:     32,
		EvalBatchSize: 64,
		ShuffleBuffer: 1000,
		Seed:          42,
		Augment:       true,
		Augmentation:  DefaultAugmentation(),
		Parallelism:   0,
	}
}

// ConfigFromContext reads the datasets configuration from the context hyperparameters, using DefaultConfig
// for the ones not set.
func ConfigFromContext(ctx *context.Context) Config {
	config := DefaultConfig()
	config.ImageSize = context.GetParamOr(ctx, ParamImageSize, config.ImageSize)
	config.BatchSize = context.GetParamOr(ctx, ParamBatchSize, config.BatchSize)
	config.EvalBatchSize = context.GetParamOr(ctx, ParamEvalBatchSize, config.EvalBatchSize)
	if config.EvalBatchSize <= 0 {
		config.EvalBatchSize = config.BatchSize
	}
	config.ShuffleBuffer = context.GetParamOr(ctx, ParamShuffleBuffer, config.ShuffleBuffer)
	config.Seed = int64(context.GetParamOr(ctx, ParamSeed, int(config.Seed)))
	config.Parallelism = context.GetParamOr(ctx, ParamParallelism, config.Parallelism)
	config.StepsPerEpoch = context.GetParamOr(ctx, ParamStepsPerEpoch, config.StepsPerEpoch)
	config.DropIncomplete = context.GetParamOr(ctx, ParamDropIncomplete, config.DropIncomplete)

	config.Augment = context.GetParamOr(ctx, ParamAugment, config.Augment)
	aug := &config.Augmentation
	aug.FlipProbability = context.GetParamOr(ctx, ParamAugFlipProbability, aug.FlipProbability)
	aug.MaxRotation = context.GetParamOr(ctx, ParamAugMaxRotation, aug.MaxRotation)
	aug.MinZoom = context.GetParamOr(ctx, ParamAugMinZoom, aug.MinZoom)
	aug.MaxZoom = context.GetParamOr(ctx, ParamAugMaxZoom, aug.MaxZoom)
	aug.MinContrast = context.GetParamOr(ctx, ParamAugMinContrast, aug.MinContrast)
	aug.MaxContrast = context.GetParamOr(ctx, ParamAugMaxContrast, aug.MaxContrast)
	aug.MaxTranslation = context.GetParamOr(ctx, ParamAugMaxTranslation, aug.MaxTranslation)
	return config
}

// Validate returns an error if the configuration is not usable.
func (c Config) Validate() error {
	if c.ImageSize <= 0 {
		return errors.Errorf("invalid image size %d", c.ImageSize)
	}
	if c.BatchSize <= 0 || c.EvalBatchSize <= 0 {
		return errors.Errorf("batch sizes must be > 0, got batch_size=%d and eval_batch_size=%d",
			c.BatchSize, c.EvalBatchSize)
	}
	a := c.Augmentation
	if c.Augment && (a.MinZoom <= 0 || a.MinZoom > a.MaxZoom || a.MinContrast < 0 || a.MinContrast > a.MaxContrast) {
		return errors.Errorf("invalid augmentation ranges: zoom=[%g, %g], contrast=[%g, %g]",
			a.MinZoom, a.MaxZoom, a.MinContrast, a.MaxContrast)
	}
	return nil
}

// Datasets used for training and evaluating a model.
type Datasets struct {
	// Train is shuffled at every epoch and augmented.
	Train train.Dataset

	// TrainEval holds the training tiles without augmentation, used for evaluation and for updating the
	// batch normalization averages.
	TrainEval train.Dataset

	// Validation and Test are not augmented and keep their order across epochs.
	Validation, Test train.Dataset

	parallel []parallelEntry
}

// Assemble creates the datasets from the records of each split.
//
// It returns an error if any of the splits is empty.
func Assemble(bySplit map[splits.Split][]tiles.Record, config Config) (*Datasets, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	for _, split := range splits.Assignable {
		if len(bySplit[split]) == 0 {
			return nil, errors.Errorf("split %q has no tiles, check the split files and the tiles directories", split)
		}
	}
	for _, split := range splits.Assignable {
		counts := tiles.CountLabels(bySplit[split])
		klog.Infof("Split %-8s: %s tiles (%s %s, %s %s)", split,
			humanize.Comma(int64(len(bySplit[split]))),
			humanize.Comma(int64(counts[1])), tiles.FrostLabel,
			humanize.Comma(int64(counts[0])), tiles.BackgroundLabel)
	}

	dss := &Datasets{}
	seedFor := func(split splits.Split, offset int64) int64 {
		return config.Seed + 1000*int64(split) + offset
	}
	trainDS := New("Training", bySplit[splits.Train], config.ImageSize, seedFor(splits.Train, 0)).
		WithShortName("Train").
		BatchSize(config.BatchSize, config.DropIncomplete).
		Shuffle(config.ShuffleBuffer)
	if config.Augment {
		trainDS.Augment(config.Augmentation)
	}
	dss.Train = dss.parallelize(trainDS, config.Parallelism)
	if config.StepsPerEpoch > 0 {
		dss.Train = datasets.Take(dss.Train, config.StepsPerEpoch)
	}

	dss.TrainEval = dss.parallelize(
		New("Training (eval)", bySplit[splits.Train], config.ImageSize, seedFor(splits.Train, 1)).
			WithShortName("Train").
			BatchSize(config.EvalBatchSize, false),
		config.Parallelism)
	dss.Validation = dss.parallelize(
		New("Validation", bySplit[splits.Validate], config.ImageSize, seedFor(splits.Validate, 0)).
			WithShortName("Valid").
			BatchSize(config.EvalBatchSize, false),
		config.Parallelism)
	dss.Test = dss.parallelize(
		New("Test", bySplit[splits.Test], config.ImageSize, seedFor(splits.Test, 0)).
			WithShortName("Test").
			BatchSize(config.EvalBatchSize, false),
		config.Parallelism)
	return dss, nil
}

func (dss *Datasets) parallelize(ds *Dataset, parallelism int) train.Dataset {
	if parallelism < 0 {
		return ds
	}
	if parallelism == 0 {
		parallelism = runtime.NumCPU() + 1
	}
	source := &failureRecorder{Dataset: ds}
	pds := datasets.CustomParallel(source).Parallelism(parallelism).Buffer(parallelism).Start()
	dss.parallel = append(dss.parallel, parallelEntry{pds: pds, source: source})
	return checkedDataset{ParallelDataset: pds, source: source}
}

type parallelEntry struct {
	pds    *datasets.ParallelDataset
	source *failureRecorder
}

// Done stops the goroutines of the parallel datasets.
func (dss *Datasets) Done() {
	for _, entry := range dss.parallel {
		if entry.source.Err() != nil {
			// The parallel dataset already stopped its goroutines and closed its channels when the
			// worker failed: closing them again, in Done or in its finalizer, panics.
			runtime.SetFinalizer(entry.pds, nil)
			continue
		}
		entry.pds.Done()
	}
	dss.parallel = nil
}

// failureRecorder keeps the first error yielded by the wrapped dataset. After a failure every Yield
// returns io.EOF, so only one of the parallel workers reports the error.
type failureRecorder struct {
	*Dataset

	muErr sync.Mutex
	err   error
}

// Yield implements train.Dataset.
func (r *failureRecorder) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if r.Err() != nil {
		return nil, nil, nil, io.EOF
	}
	spec, inputs, labels, err = r.Dataset.Yield()
	if err == nil || err == io.EOF {
		return
	}
	r.muErr.Lock()
	defer r.muErr.Unlock()
	if r.err != nil {
		return nil, nil, nil, io.EOF
	}
	r.err = err
	return
}

// Err returns the first error yielded, or nil.
func (r *failureRecorder) Err() error {
	r.muErr.Lock()
	defer r.muErr.Unlock()
	return r.err
}

// checkedDataset returns the error of a failed parallel worker: the parallel dataset itself only logs it,
// and then yields empty batches.
type checkedDataset struct {
	*datasets.ParallelDataset
	source *failureRecorder
}

// NumBatches yielded per epoch by the wrapped dataset.
func (ds checkedDataset) NumBatches() int { return ds.source.NumBatches() }

// Reset implements train.Dataset. It is a no-op after a failure.
func (ds checkedDataset) Reset() {
	if ds.source.Err() != nil {
		return
	}
	ds.ParallelDataset.Reset()
}

// Yield implements train.Dataset.
func (ds checkedDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if failure := ds.source.Err(); failure != nil {
		return nil, nil, nil, failure
	}
	spec, inputs, labels, err = ds.ParallelDataset.Yield()
	if err == nil && len(inputs) == 0 {
		err = ds.source.Err()
		if err == nil {
			err = errors.Errorf("dataset %q stopped generating batches after a failure, see the logs for details", ds.Name())
		}
	}
	return
}
