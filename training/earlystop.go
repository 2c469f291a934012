// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import "math"

// EarlyStopping tracks a monitored value (lower is better, e.g. the validation loss) and tells when the training
// should stop, after Patience consecutive epochs without improvement.
//
// An epoch improves if its value is lower than the best seen so far by more than MinDelta.
// NaN values never improve.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	started   bool
	best      float64
	bestEpoch int
	wait      int
}

// NewEarlyStopping with the given patience (number of epochs without improvement tolerated) and
// minimum delta for a change to count as an improvement.
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Patience: patience, MinDelta: minDelta}
}

// Update with the value monitored at the end of the given epoch.
//
// It returns whether the value improved over the best one so far, and whether training should stop.
func (es *EarlyStopping) Update(epoch int, value float64) (improved, stop bool) {
	if !es.started {
		es.started = true
		es.best = math.Inf(1)
	}
	if !math.IsNaN(value) && value < es.best-math.Abs(es.MinDelta) {
		es.best = value
		es.bestEpoch = epoch
		es.wait = 0
		return true, false
	}
	es.wait++
	return false, es.wait >= es.Patience
}

// Best returns the epoch with the best value so far, and the value. If no epoch improved yet, epoch is 0 and
// the value is +Inf.
func (es *EarlyStopping) Best() (epoch int, value float64) {
	if !es.started {
		return 0, math.Inf(1)
	}
	return es.bestEpoch, es.best
}

// Wait returns the number of consecutive epochs without improvement.
func (es *EarlyStopping) Wait() int { return es.wait }
