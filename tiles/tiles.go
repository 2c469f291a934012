// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiles indexes the tile images of subframes and their class labels.
//
// The expected layout of a subframe directory is:
//
//	<subframe>/
//	  tiles/
//	    frost/       (one subdirectory per class label)
//	      tile_0000.png
//	    background/
//	      tile_0001.png
//	  labels/        (not used)
package tiles

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/frostml/frostnet/splits"
	"github.com/pkg/errors"
)

const (
	// TilesDir is the subdirectory of a subframe holding the tiles, one subdirectory per label.
	TilesDir = "tiles"

	// FrostLabel is the label encoded as the positive class.
	FrostLabel = "frost"

	// BackgroundLabel is the conventional name of the negative class. Any label other than FrostLabel
	// is encoded as background.
	BackgroundLabel = "background"
)

// ClassNames indexed by the encoded label.
var ClassNames = []string{BackgroundLabel, FrostLabel}

// Record of one tile: the path to its image file and its label, the name of the folder it is in.
type Record struct {
	Path  string
	Label string
}

// Encoded returns the encoded label of the record, see EncodeLabel.
func (r Record) Encoded() int64 {
	return EncodeLabel(r.Label)
}

// EncodeLabel returns 1 if label is exactly FrostLabel, and 0 otherwise.
func EncodeLabel(label string) int64 {
	if label == FrostLabel {
		return 1
	}
	return 0
}

// IsImageFile reports whether the file name has the extension of a decodable image format.
func IsImageFile(name string) bool {
	_, err := imaging.FormatFromFilename(name)
	return err == nil
}

// IndexSubframe returns the records of all tiles of the subframe in subframeDir.
//
// Entries of the tiles directory that are not directories, and files that are not images, are skipped.
// Records are sorted by path.
func IndexSubframe(subframeDir string) ([]Record, error) {
	tilesDir := filepath.Join(subframeDir, TilesDir)
	labelEntries, err := os.ReadDir(tilesDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list labels of subframe %q", subframeDir)
	}
	var records []Record
	for _, labelEntry := range labelEntries {
		if !labelEntry.IsDir() {
			continue
		}
		label := labelEntry.Name()
		labelDir := filepath.Join(tilesDir, label)
		tileEntries, err := os.ReadDir(labelDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tiles in %q", labelDir)
		}
		for _, tileEntry := range tileEntries {
			if tileEntry.IsDir() || !IsImageFile(tileEntry.Name()) {
				continue
			}
			records = append(records, Record{Path: filepath.Join(labelDir, tileEntry.Name()), Label: label})
		}
	}
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.Path, b.Path) })
	return records, nil
}

// IndexSplits indexes the tiles of every assigned subframe under headDir and groups them by split.
func IndexSplits(headDir string, assignments []splits.Assignment) (map[splits.Split][]Record, error) {
	type splitRecord struct {
		split  splits.Split
		record Record
	}
	var all []splitRecord
	for _, assignment := range assignments {
		if assignment.Split == splits.Unassigned {
			continue
		}
		records, err := IndexSubframe(filepath.Join(headDir, assignment.Subframe))
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			all = append(all, splitRecord{assignment.Split, record})
		}
	}
	grouped := splits.Partition(all, func(r splitRecord) splits.Split { return r.split })
	bySplit := make(map[splits.Split][]Record, len(grouped))
	for split, group := range grouped {
		records := make([]Record, len(group))
		for ii, r := range group {
			records[ii] = r.record
		}
		bySplit[split] = records
	}
	return bySplit, nil
}

// CountLabels returns the number of records per encoded label.
func CountLabels(records []Record) [2]int {
	var counts [2]int
	for _, record := range records {
		counts[record.Encoded()]++
	}
	return counts
}
