// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Snapshot is an in-memory copy of the values of the model variables, used to restore the best weights
// at the end of training.
//
// Optimizer state (the global step, moments) and metrics accumulators are never included.
type Snapshot struct {
	entries []snapshotEntry
}

type snapshotEntry struct {
	scope, name string
	value       *tensors.Tensor
}

// TakeSnapshot copies the values of the variables under ctx's current scope.
// Variables under any of the exclude scopes (absolute, e.g. "/model/backbone") are skipped.
func TakeSnapshot(ctx *context.Context, exclude ...string) (*Snapshot, error) {
	s := &Snapshot{}
	for v := range ctx.IterVariablesInScope() {
		if isTrainingState(v) || slices.ContainsFunc(exclude, func(scope string) bool { return inScope(v.Scope(), scope) }) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			s.Finalize()
			return nil, errors.WithMessagef(err, "failed to read variable %q for snapshot", v.ScopeAndName())
		}
		if value == nil {
			continue
		}
		value, err = value.Clone()
		if err != nil {
			s.Finalize()
			return nil, errors.WithMessagef(err, "failed to copy variable %q for snapshot", v.ScopeAndName())
		}
		s.entries = append(s.entries, snapshotEntry{scope: v.Scope(), name: v.Name(), value: value})
	}
	return s, nil
}

// Len returns the number of variables in the snapshot.
func (s *Snapshot) Len() int { return len(s.entries) }

// Restore sets the variables in ctx to the values of the snapshot.
// The snapshot can be restored more than once.
func (s *Snapshot) Restore(ctx *context.Context) error {
	for _, e := range s.entries {
		v := ctx.InspectVariable(e.scope, e.name)
		if v == nil {
			return errors.Errorf("variable %q not found in context while restoring snapshot",
				e.scope+context.ScopeSeparator+e.name)
		}
		value, err := e.value.Clone()
		if err != nil {
			return errors.WithMessagef(err, "failed to copy snapshot value of %q", v.ScopeAndName())
		}
		if err = v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "failed to restore variable %q", v.ScopeAndName())
		}
	}
	return nil
}

// Finalize frees the values held by the snapshot. The snapshot is empty afterward.
func (s *Snapshot) Finalize() {
	for _, e := range s.entries {
		_ = e.value.FinalizeAll()
	}
	s.entries = nil
}

// isTrainingState reports whether v holds optimizer or metrics state, as opposed to model weights.
func isTrainingState(v *context.Variable) bool {
	if v.Name() == optimizers.GlobalStepVariableName {
		return true
	}
	for _, part := range strings.Split(v.Scope(), context.ScopeSeparator) {
		switch part {
		case optimizers.Scope, optimizers.AdamDefaultScope, metrics.Scope:
			return true
		}
	}
	return false
}

// inScope reports whether scope is the same as or nested in parent.
func inScope(scope, parent string) bool {
	parent = strings.TrimSuffix(parent, context.ScopeSeparator)
	return scope == parent || strings.HasPrefix(scope, parent+context.ScopeSeparator)
}
