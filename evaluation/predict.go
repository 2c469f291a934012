// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation runs a trained model over a dataset and reports its classification quality: per-class
// precision, recall, F1 and support, accuracy, macro and weighted averages, and the confusion matrix.
package evaluation

import (
	"fmt"
	"io"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ShowProgress controls whether Predict displays a progress bar.
var ShowProgress = true

// Predict runs the model over all the batches of ds, and returns the true labels and the predicted class
// (the arg-max of the logits) of each example, in the order yielded.
//
// ctx must hold the trained model variables, scoped as during training. The dataset is read until io.EOF
// and reset at the end.
func Predict(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn, ds train.Dataset) (
	trueLabels, predicted []int, err error) {
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		logits := modelFn(ctx, nil, []*Node{images})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to create prediction executor")
	}

	finalizeYields := true
	if ownership, ok := ds.(train.DatasetCustomOwnership); ok {
		finalizeYields = ownership.IsOwnershipTransferred()
	}
	bar := newBar(ds)
	defer func() { _ = bar.Finish() }()
	defer ds.Reset()

	for batchIdx := 0; ; batchIdx++ {
		_, inputs, labels, yieldErr := ds.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return nil, nil, errors.WithMessagef(yieldErr, "failed reading batch #%d of %q", batchIdx, ds.Name())
		}
		if len(inputs) != 1 || len(labels) != 1 {
			return nil, nil, errors.Errorf("dataset %q yielded %d inputs and %d labels, expected 1 and 1",
				ds.Name(), len(inputs), len(labels))
		}
		predictions, err := exec.Exec1(inputs[0])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed predicting batch #%d of %q", batchIdx, ds.Name())
		}
		batchLabels, err := tensorToInts(labels[0])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "batch #%d of %q", batchIdx, ds.Name())
		}
		batchPredictions, err := tensorToInts(predictions)
		if err != nil {
			return nil, nil, err
		}
		if len(batchLabels) != len(batchPredictions) {
			return nil, nil, errors.Errorf("batch #%d of %q has %d labels but %d predictions",
				batchIdx, ds.Name(), len(batchLabels), len(batchPredictions))
		}
		trueLabels = append(trueLabels, batchLabels...)
		predicted = append(predicted, batchPredictions...)

		_ = predictions.FinalizeAll()
		if finalizeYields {
			_ = inputs[0].FinalizeAll()
			_ = labels[0].FinalizeAll()
		}
		_ = bar.Add(1)
	}
	return trueLabels, predicted, nil
}

// numBatcher is implemented by datasets that know how many batches they yield per epoch.
type numBatcher interface {
	NumBatches() int
}

func newBar(ds train.Dataset) *progressbar.ProgressBar {
	total := -1
	if nb, ok := ds.(numBatcher); ok {
		total = nb.NumBatches()
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("Evaluating %s", ds.Name())),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(ShowProgress),
		progressbar.OptionShowCount(),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionClearOnFinish(),
	)
}

// tensorToInts converts an integer tensor (labels or class indices) to a flat []int.
func tensorToInts(t *tensors.Tensor) ([]int, error) {
	var values []int
	switch t.DType() {
	case dtypes.Int64:
		for _, v := range tensors.MustCopyFlatData[int64](t) {
			values = append(values, int(v))
		}
	case dtypes.Int32:
		for _, v := range tensors.MustCopyFlatData[int32](t) {
			values = append(values, int(v))
		}
	default:
		return nil, errors.Errorf("integer labels or classes expected, got tensor shaped %s", t.Shape())
	}
	return values, nil
}
