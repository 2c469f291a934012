// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package splits assigns subframes to the train, validation and test splits, based on
// lists of source-image identifiers.
//
// A subframe is a directory named after the source image it was cropped from, e.g.
// "ESP_011296_0975_subframe_03". Its source-image identifier is given by the first three
// underscore-separated tokens of the name ("ESP_011296_0975"), and that identifier is looked
// up in the split lists.
package splits

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split a subframe can be assigned to.
type Split int

const (
	// Unassigned subframes are not listed in any of the split files, and are excluded from all datasets.
	Unassigned Split = iota
	Train
	Validate
	Test
)

// Assignable lists the splits a subframe can be assigned to, in the order they are tested.
var Assignable = []Split{Train, Validate, Test}

var splitNames = map[Split]string{
	Unassigned: "unassigned",
	Train:      "train",
	Validate:   "validate",
	Test:       "test",
}

// String implements fmt.Stringer.
func (s Split) String() string {
	if name, found := splitNames[s]; found {
		return name
	}
	return fmt.Sprintf("Split(%d)", int(s))
}

// NumIDTokens is the number of underscore-separated tokens of a subframe name that make up the
// source-image identifier.
const NumIDTokens = 3

// SourceImageID returns the source-image identifier embedded in the subframe name.
// Names with fewer than NumIDTokens tokens are returned whole.
func SourceImageID(subframe string) string {
	parts := strings.SplitN(subframe, "_", NumIDTokens+1)
	if len(parts) <= NumIDTokens {
		return subframe
	}
	return strings.Join(parts[:NumIDTokens], "_")
}

// ReadIDList reads one identifier per line. Surrounding whitespace is trimmed and empty lines are ignored.
func ReadIDList(r io.Reader) (sets.Set[string], error) {
	ids := sets.Make[string]()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		ids.Insert(id)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read identifiers list")
	}
	return ids, nil
}

// LoadIDList reads the identifiers list from the file in path.
func LoadIDList(path string) (sets.Set[string], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open identifiers list %q", path)
	}
	defer func() { _ = f.Close() }()
	ids, err := ReadIDList(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", path)
	}
	return ids, nil
}

// Lists holds the identifiers for each of the split files.
type Lists struct {
	Train, Validate, Test sets.Set[string]
}

// LoadLists loads the three split files.
func LoadLists(trainPath, validatePath, testPath string) (*Lists, error) {
	lists := &Lists{}
	var err error
	if lists.Train, err = LoadIDList(trainPath); err != nil {
		return nil, err
	}
	if lists.Validate, err = LoadIDList(validatePath); err != nil {
		return nil, err
	}
	if lists.Test, err = LoadIDList(testPath); err != nil {
		return nil, err
	}
	return lists, nil
}

// ids returns the identifiers set for the given split, or nil.
func (l *Lists) ids(split Split) sets.Set[string] {
	switch split {
	case Train:
		return l.Train
	case Validate:
		return l.Validate
	case Test:
		return l.Test
	default:
		return nil
	}
}

// Assign returns the split of the given source-image identifier: the first list (train, validate, test)
// that contains it wins. It returns Unassigned if no list contains it.
func (l *Lists) Assign(id string) Split {
	for _, split := range Assignable {
		if ids := l.ids(split); ids != nil && ids.Has(id) {
			return split
		}
	}
	return Unassigned
}

// Assignment of a subframe to a split.
type Assignment struct {
	// Subframe is the name of the subframe directory.
	Subframe string

	// SourceID is the source-image identifier taken from the subframe name.
	SourceID string

	Split Split
}

// Resolve assigns each subframe to a split.
//
// Subframes not listed in any split are returned in unassigned, and a warning is logged for each of them.
// Unassigned subframes are not an error.
func Resolve(subframes []string, lists *Lists) (assigned []Assignment, unassigned []string) {
	for _, subframe := range subframes {
		id := SourceImageID(subframe)
		split := lists.Assign(id)
		if split == Unassigned {
			klog.Warningf("subframe %q (source image %q) is not listed in any split, it will be skipped", subframe, id)
			unassigned = append(unassigned, subframe)
			continue
		}
		assigned = append(assigned, Assignment{Subframe: subframe, SourceID: id, Split: split})
	}
	return
}

// ListSubframes returns the sorted names of the subframe directories under headDir.
// Entries that are not directories are ignored.
func ListSubframes(headDir string) ([]string, error) {
	entries, err := os.ReadDir(headDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list subframes in %q", headDir)
	}
	var subframes []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subframes = append(subframes, entry.Name())
	}
	slices.Sort(subframes)
	return subframes, nil
}

// Partition groups records by the key returned by keyFn. Records keep their relative order within each group.
func Partition[T any, K comparable](records []T, keyFn func(T) K) map[K][]T {
	groups := make(map[K][]T)
	for _, record := range records {
		key := keyFn(record)
		groups[key] = append(groups[key], record)
	}
	return groups
}

// Count returns the number of assignments per split.
func Count(assignments []Assignment) map[Split]int {
	counts := make(map[Split]int, len(Assignable))
	for split, group := range Partition(assignments, func(a Assignment) Split { return a.Split }) {
		counts[split] = len(group)
	}
	return counts
}
