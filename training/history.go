// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"io"
	"math"
	"os"
	"time"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/janpfeifer/gonb/gonbui"
	gonbplotly "github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// EpochStats are the metrics collected at the end of one epoch.
// Metrics not available are NaN.
type EpochStats struct {
	// Epoch number, starting from 1.
	Epoch int

	TrainLoss, TrainAccuracy           float64
	ValidationLoss, ValidationAccuracy float64

	// Improved is true if the validation loss improved over all previous epochs.
	Improved bool

	// Duration of training and evaluation.
	Duration time.Duration
}

// String implements fmt.Stringer.
func (s EpochStats) String() string {
	mark := ""
	if s.Improved {
		mark = " *"
	}
	return fmt.Sprintf("loss=%.4f accuracy=%.4f val_loss=%.4f val_accuracy=%.4f (%s)%s",
		s.TrainLoss, s.TrainAccuracy, s.ValidationLoss, s.ValidationAccuracy, s.Duration.Round(time.Millisecond), mark)
}

// History of a Fit run.
type History struct {
	Epochs []EpochStats

	// BestEpoch is the epoch with the lowest validation loss, 0 if none.
	BestEpoch int

	// StoppedEpoch is the epoch after which early stopping triggered, 0 if all epochs ran.
	StoppedEpoch int

	// Restored is true if the weights of BestEpoch were restored at the end.
	Restored bool
}

// Best returns the stats of the best epoch.
func (h *History) Best() (stats EpochStats, found bool) {
	if h.BestEpoch <= 0 || h.BestEpoch > len(h.Epochs) {
		return
	}
	return h.Epochs[h.BestEpoch-1], true
}

// Column names used in the history DataFrame.
const (
	ColumnEpoch              = "epoch"
	ColumnTrainLoss          = "loss"
	ColumnTrainAccuracy      = "accuracy"
	ColumnValidationLoss     = "val_loss"
	ColumnValidationAccuracy = "val_accuracy"
	ColumnSeconds            = "seconds"
)

// DataFrame returns the history as a dataframe, one row per epoch.
func (h *History) DataFrame() dataframe.DataFrame {
	n := len(h.Epochs)
	epochs := make([]int, n)
	trainLoss := make([]float64, n)
	trainAccuracy := make([]float64, n)
	validLoss := make([]float64, n)
	validAccuracy := make([]float64, n)
	seconds := make([]float64, n)
	for ii, s := range h.Epochs {
		epochs[ii] = s.Epoch
		trainLoss[ii] = s.TrainLoss
		trainAccuracy[ii] = s.TrainAccuracy
		validLoss[ii] = s.ValidationLoss
		validAccuracy[ii] = s.ValidationAccuracy
		seconds[ii] = s.Duration.Seconds()
	}
	return dataframe.New(
		series.New(epochs, series.Int, ColumnEpoch),
		series.New(trainLoss, series.Float, ColumnTrainLoss),
		series.New(trainAccuracy, series.Float, ColumnTrainAccuracy),
		series.New(validLoss, series.Float, ColumnValidationLoss),
		series.New(validAccuracy, series.Float, ColumnValidationAccuracy),
		series.New(seconds, series.Float, ColumnSeconds),
	)
}

// WriteCSV writes the history as CSV, with a header row.
func (h *History) WriteCSV(w io.Writer) error {
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build history dataframe")
	}
	return errors.Wrap(df.WriteCSV(w), "failed to write history CSV")
}

// SaveCSV writes the history as CSV to filePath.
func (h *History) SaveCSV(filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()
	return h.WriteCSV(f)
}

// SavePlot saves the train and validation loss curves to filePath. The image format is taken from the extension
// (.png, .svg, .pdf, ...).
func (h *History) SavePlot(filePath string) error {
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Legend.Top = true
	err := plotutil.AddLinePoints(p,
		"train", h.points(func(s EpochStats) float64 { return s.TrainLoss }),
		"validation", h.points(func(s EpochStats) float64 { return s.ValidationLoss }))
	if err != nil {
		return errors.Wrap(err, "failed to plot history")
	}
	if err = p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save history plot to %q", filePath)
	}
	return nil
}

// points returns the (epoch, value) points, skipping NaN and infinite values.
func (h *History) points(valueFn func(s EpochStats) float64) plotter.XYs {
	xys := make(plotter.XYs, 0, len(h.Epochs))
	for _, s := range h.Epochs {
		v := valueFn(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(s.Epoch), Y: v})
	}
	return xys
}

// PlotlyFigures returns one figure for the loss and one for the accuracy, each with the train and
// validation curves.
func (h *History) PlotlyFigures() []*grob.Fig {
	lossFig := newHistoryFig("Loss")
	lossFig.Data = append(lossFig.Data,
		h.scatter("train", func(s EpochStats) float64 { return s.TrainLoss }),
		h.scatter("validation", func(s EpochStats) float64 { return s.ValidationLoss }))
	accuracyFig := newHistoryFig("Accuracy")
	accuracyFig.Data = append(accuracyFig.Data,
		h.scatter("train", func(s EpochStats) float64 { return s.TrainAccuracy }),
		h.scatter("validation", func(s EpochStats) float64 { return s.ValidationAccuracy }))
	return []*grob.Fig{lossFig, accuracyFig}
}

func newHistoryFig(title string) *grob.Fig {
	return &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(title),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
			},
		},
	}
}

func (h *History) scatter(name string, valueFn func(s EpochStats) float64) *grob.Scatter {
	xys := h.points(valueFn)
	xs := make([]float64, len(xys))
	ys := make([]float64, len(xys))
	for ii, xy := range xys {
		xs[ii], ys[ii] = xy.X, xy.Y
	}
	return &grob.Scatter{
		Name: ptypes.S(name),
		Line: &grob.ScatterLine{
			Shape: grob.ScatterLineShapeLinear,
		},
		Mode: "lines+markers",
		X:    ptypes.DataArray(xs),
		Y:    ptypes.DataArray(ys),
	}
}

// Display plots the history in a GoNB notebook. Outside a notebook it is a no-op.
func (h *History) Display() error {
	if !gonbui.IsNotebook {
		return nil
	}
	for _, fig := range h.PlotlyFigures() {
		if err := gonbplotly.DisplayFig(fig); err != nil {
			return errors.Wrap(err, "failed to display history plot")
		}
	}
	return nil
}
