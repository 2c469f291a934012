// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier classifies tiles with a model trained by frostnet.Train, loaded from its checkpoint.
package classifier

import (
	"image"

	"github.com/frostml/frostnet"
	"github.com/frostml/frostnet/dataset"
	"github.com/frostml/frostnet/models"
	"github.com/frostml/frostnet/tiles"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// Classifier of tiles.
type Classifier struct {
	exec      *context.Exec
	imageSize int
	runID     string
}

// New loads the model hyperparameters and weights from the checkpoint in checkpointDir. Relative paths are
// taken from dataDir, which is also where pre-trained backbone weights are downloaded to, if needed.
func New(backend backends.Backend, checkpointDir, dataDir string) (*Classifier, error) {
	ctx := context.New()
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		_, err = checkpoints.Load(ctx).DirFromBase(checkpointDir, dataDir).Done()
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint %q", checkpointDir)
	}
	modelFn, err := models.NewModelFn(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	c := &Classifier{
		imageSize: context.GetParamOr(ctx, dataset.ParamImageSize, dataset.DefaultConfig().ImageSize),
		runID:     context.GetParamOr(ctx, frostnet.ParamRunID, ""),
	}

	// Frozen backbone weights are not saved with the checkpoint: they are created (and loaded from the
	// pre-trained weights) when the graph is built.
	modelCtx := ctx.In(models.ModelScope).Checked(false)
	c.exec, err = context.NewExec(backend, modelCtx, func(ctx *context.Context, images *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return models.Predictions(logits)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create classifier")
	}
	return c, nil
}

// ImageSize is the width and height images are resized to before classification.
func (c *Classifier) ImageSize() int { return c.imageSize }

// RunID of the training run that created the model, if known.
func (c *Classifier) RunID() string { return c.runID }

// Classify returns the predicted label (1 for frost, 0 for background) of the image, and the probability of
// each class.
func (c *Classifier) Classify(img image.Image) (label int, probs [models.NumClasses]float32, err error) {
	labels, allProbs, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return 0, probs, err
	}
	return labels[0], allProbs[0], nil
}

// ClassifyFile loads the image in path and classifies it.
func (c *Classifier) ClassifyFile(path string) (label int, probs [models.NumClasses]float32, err error) {
	img, err := dataset.LoadTile(path, c.imageSize)
	if err != nil {
		return 0, probs, err
	}
	return c.Classify(img)
}

// ClassifyBatch classifies all the images in one execution of the model.
// Images of any size are accepted: they are resized to ImageSize.
func (c *Classifier) ClassifyBatch(imgs []image.Image) (labels []int, probs [][models.NumClasses]float32, err error) {
	if len(imgs) == 0 {
		return nil, nil, nil
	}
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		resized[ii] = dataset.Normalize(img, c.imageSize)
	}
	input := dataset.ToTensor(resized)
	defer func() { _ = input.FinalizeAll() }()
	output, err := c.exec.Exec1(input)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to classify %d images", len(imgs))
	}
	defer func() { _ = output.FinalizeAll() }()

	var flat []float32
	err = exceptions.TryCatch[error](func() { flat = tensors.MustCopyFlatData[float32](output) })
	if err != nil {
		return nil, nil, err
	}
	labels = make([]int, len(imgs))
	probs = make([][models.NumClasses]float32, len(imgs))
	for ii := range imgs {
		copy(probs[ii][:], flat[ii*models.NumClasses:])
		if probs[ii][1] > probs[ii][0] {
			labels[ii] = 1
		}
	}
	return labels, probs, nil
}

// LabelName returns the class name of the label.
func LabelName(label int) string {
	if label < 0 || label >= len(tiles.ClassNames) {
		return "unknown"
	}
	return tiles.ClassNames[label]
}
