// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frostnet

import (
	"github.com/dustin/go-humanize"
	"github.com/frostml/frostnet/splits"
	"github.com/frostml/frostnet/tiles"
	"k8s.io/klog/v2"
)

// TileIndex holds the split assignment of the subframes, and the tiles of each split.
type TileIndex struct {
	Assigned   []splits.Assignment
	Unassigned []string
	BySplit    map[splits.Split][]tiles.Record
}

// IndexTiles resolves the split of each subframe under cfg.Data.HeadDir, and indexes the tiles of the
// assigned ones. Unassigned subframes are logged and skipped.
func IndexTiles(cfg *Config) (*TileIndex, error) {
	lists, err := splits.LoadLists(cfg.Data.TrainList, cfg.Data.ValidateList, cfg.Data.TestList)
	if err != nil {
		return nil, err
	}
	subframes, err := splits.ListSubframes(cfg.Data.HeadDir)
	if err != nil {
		return nil, err
	}
	idx := &TileIndex{}
	idx.Assigned, idx.Unassigned = splits.Resolve(subframes, lists)
	klog.Infof("Subframes: %s assigned, %s unassigned", humanize.Comma(int64(len(idx.Assigned))),
		humanize.Comma(int64(len(idx.Unassigned))))
	idx.BySplit, err = tiles.IndexSplits(cfg.Data.HeadDir, idx.Assigned)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// SplitSummary counts the subframes and tiles of one split.
type SplitSummary struct {
	Split                    splits.Split
	Subframes                int
	Tiles, Frost, Background int
}

// Summary returns the counts of each assignable split, in order.
func (idx *TileIndex) Summary() []SplitSummary {
	subframes := splits.Count(idx.Assigned)
	summaries := make([]SplitSummary, 0, len(splits.Assignable))
	for _, split := range splits.Assignable {
		labels := tiles.CountLabels(idx.BySplit[split])
		summaries = append(summaries, SplitSummary{
			Split:      split,
			Subframes:  subframes[split],
			Tiles:      len(idx.BySplit[split]),
			Frost:      labels[1],
			Background: labels[0],
		})
	}
	return summaries
}
