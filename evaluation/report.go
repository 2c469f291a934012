// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// ClassMetrics holds the quality metrics of one class, or of an average over classes.
type ClassMetrics struct {
	Name                  string
	Precision, Recall, F1 float64

	// Support is the number of examples whose true label is the class. For averages, it is the total.
	Support int
}

// Report is a classification report over a set of predictions.
//
// Precision and recall with a zero denominator are 0, and so is F1 when both are 0.
type Report struct {
	// Classes holds the metrics of each class, indexed by label.
	Classes []ClassMetrics

	Accuracy float64

	// MacroAvg is the unweighted mean of the classes metrics, and WeightedAvg the mean weighted by support.
	MacroAvg, WeightedAvg ClassMetrics

	// Confusion[trueLabel][predictedLabel] is the number of examples with the given true and predicted labels.
	Confusion [][]int

	// Total number of examples.
	Total int
}

// NewReport computes the classification report of the predicted labels against the true labels.
// Labels must be in the range [0, len(classNames)).
func NewReport(trueLabels, predicted []int, classNames []string) (*Report, error) {
	if len(trueLabels) != len(predicted) {
		return nil, errors.Errorf("got %d true labels but %d predictions", len(trueLabels), len(predicted))
	}
	if len(trueLabels) == 0 {
		return nil, errors.New("no examples to report on")
	}
	numClasses := len(classNames)
	if numClasses == 0 {
		return nil, errors.New("no class names given")
	}
	r := &Report{
		Classes:   make([]ClassMetrics, numClasses),
		Confusion: make([][]int, numClasses),
		Total:     len(trueLabels),
	}
	for ii := range r.Confusion {
		r.Confusion[ii] = make([]int, numClasses)
	}
	for ii, label := range trueLabels {
		prediction := predicted[ii]
		if label < 0 || label >= numClasses || prediction < 0 || prediction >= numClasses {
			return nil, errors.Errorf("example #%d: true label %d or prediction %d out of range for %d classes",
				ii, label, prediction, numClasses)
		}
		r.Confusion[label][prediction]++
	}

	var correct int
	r.MacroAvg = ClassMetrics{Name: "macro avg", Support: r.Total}
	r.WeightedAvg = ClassMetrics{Name: "weighted avg", Support: r.Total}
	for class, name := range classNames {
		truePositives := r.Confusion[class][class]
		correct += truePositives
		var predictedPositives, support int
		for other := range numClasses {
			predictedPositives += r.Confusion[other][class]
			support += r.Confusion[class][other]
		}
		m := ClassMetrics{
			Name:      name,
			Precision: safeDiv(float64(truePositives), float64(predictedPositives)),
			Recall:    safeDiv(float64(truePositives), float64(support)),
			Support:   support,
		}
		m.F1 = safeDiv(2*m.Precision*m.Recall, m.Precision+m.Recall)
		r.Classes[class] = m

		r.MacroAvg.Precision += m.Precision / float64(numClasses)
		r.MacroAvg.Recall += m.Recall / float64(numClasses)
		r.MacroAvg.F1 += m.F1 / float64(numClasses)
		weight := float64(support) / float64(r.Total)
		r.WeightedAvg.Precision += m.Precision * weight
		r.WeightedAvg.Recall += m.Recall * weight
		r.WeightedAvg.F1 += m.F1 * weight
	}
	r.Accuracy = float64(correct) / float64(r.Total)
	return r, nil
}

func safeDiv(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// String returns the report as fixed-width text, one row per class followed by the accuracy and the averages.
func (r *Report) String() string {
	width := len(r.WeightedAvg.Name)
	for _, m := range r.Classes {
		width = max(width, len(m.Name))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	row := func(m ClassMetrics) {
		fmt.Fprintf(&sb, "%*s %9.2f %9.2f %9.2f %9d\n", width, m.Name, m.Precision, m.Recall, m.F1, m.Support)
	}
	for _, m := range r.Classes {
		row(m)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s %9s %9s %9.2f %9d\n", width, "accuracy", "", "", r.Accuracy, r.Total)
	row(r.MacroAvg)
	row(r.WeightedAvg)
	return sb.String()
}

// Table renders the report and the confusion matrix as tables, for display on w.
// Colors are adapted to w, and disabled if NO_COLOR is set.
func (r *Report) Table(w io.Writer) string {
	renderer := lipgloss.NewRenderer(w)
	if termenv.EnvNoColor() {
		renderer.SetColorProfile(termenv.Ascii)
	}

	metricsTable := newTable(renderer).Headers("class", "precision", "recall", "f1-score", "support")
	addRow := func(m ClassMetrics) {
		metricsTable.Row(m.Name, formatMetric(m.Precision), formatMetric(m.Recall), formatMetric(m.F1),
			humanize.Comma(int64(m.Support)))
	}
	for _, m := range r.Classes {
		addRow(m)
	}
	metricsTable.Row("accuracy", "", "", formatMetric(r.Accuracy), humanize.Comma(int64(r.Total)))
	addRow(r.MacroAvg)
	addRow(r.WeightedAvg)

	headers := []string{"true \\ predicted"}
	for _, m := range r.Classes {
		headers = append(headers, m.Name)
	}
	confusionTable := newTable(renderer).Headers(headers...)
	for class, counts := range r.Confusion {
		row := []string{r.Classes[class].Name}
		for _, count := range counts {
			row = append(row, humanize.Comma(int64(count)))
		}
		confusionTable.Row(row...)
	}
	return lipgloss.JoinVertical(lipgloss.Left, metricsTable.Render(), confusionTable.Render())
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func newTable(renderer *lipgloss.Renderer) *lgtable.Table {
	headerStyle := renderer.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle := renderer.NewStyle().Padding(0, 1, 0, 1)
	evenRowStyle := oddRowStyle.Faint(true)
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}
