// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset assembles the tile records of each split into datasets of batched images and labels,
// implementing GoMLX's train.Dataset.
package dataset

import (
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/frostml/frostnet/tiles"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Dataset of tiles, yielding batches of images shaped [batch_size, size, size, 3] with values in [0, 1], and
// labels shaped [batch_size, 1] of type int64.
//
// The records are shuffled once at creation. If configured with Shuffle, each epoch (after Reset) goes
// through a new order generated with a shuffle buffer. All randomness comes from the seed, so the sequence of
// batches is reproducible.
//
// Dataset is safe for concurrent calls to Yield, so it can be wrapped with datasets.CustomParallel. The contents
// of each batch don't depend on the order the batches are generated, only the order they are yielded.
type Dataset struct {
	name, shortName string
	records         []tiles.Record
	imageSize       int
	batchSize       int
	dropIncomplete  bool
	shuffleBuffer   int
	shuffle         bool
	augmentation    *Augmentation

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a Dataset with the given records. Records are copied and shuffled with the seed.
//
// By default, it yields batches of 32 images, keeping the last incomplete batch, without augmentation
// and without re-shuffling at each epoch.
func New(name string, records []tiles.Record, imageSize int, seed int64) *Dataset {
	ds := &Dataset{
		name:      name,
		shortName: shortNameOf(name),
		records:   make([]tiles.Record, len(records)),
		imageSize: imageSize,
		batchSize: 32,
		rng:       rand.New(rand.NewSource(seed)),
	}
	copy(ds.records, records)
	ds.rng.Shuffle(len(ds.records), func(i, j int) {
		ds.records[i], ds.records[j] = ds.records[j], ds.records[i]
	})
	ds.order = make([]int, len(ds.records))
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	return ds
}

func shortNameOf(name string) string {
	if len(name) <= 5 {
		return name
	}
	return name[:5]
}

// BatchSize sets the number of examples per batch. If dropIncomplete is true the last batch of an epoch is
// dropped if it has fewer than n examples.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) BatchSize(n int, dropIncomplete bool) *Dataset {
	ds.batchSize = n
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle re-shuffles the records at every epoch, with a shuffle buffer of the given size (see ShuffleOrder).
// A bufferSize <= 0 means a full uniform shuffle.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) Shuffle(bufferSize int) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = true
	ds.shuffleBuffer = bufferSize
	ds.order = ShuffleOrder(len(ds.records), ds.shuffleBuffer, ds.rng)
	return ds
}

// Augment applies the random augmentation to every image yielded.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) Augment(augmentation Augmentation) *Dataset {
	ds.augmentation = &augmentation
	return ds
}

// WithShortName sets the short name used when reporting metrics.
//
// It returns the updated Dataset, so calls can be cascaded.
func (ds *Dataset) WithShortName(shortName string) *Dataset {
	ds.shortName = shortName
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.shortName }

// Len returns the number of records.
func (ds *Dataset) Len() int { return len(ds.records) }

// NumBatches returns the number of batches in one epoch.
func (ds *Dataset) NumBatches() int {
	if ds.batchSize <= 0 {
		return 0
	}
	if ds.dropIncomplete {
		return len(ds.records) / ds.batchSize
	}
	return (len(ds.records) + ds.batchSize - 1) / ds.batchSize
}

// Records in the order of the current epoch.
func (ds *Dataset) Records() []tiles.Record {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	records := make([]tiles.Record, len(ds.order))
	for ii, idx := range ds.order {
		records[ii] = ds.records[idx]
	}
	return records
}

// Reset implements train.Dataset. It starts a new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.shuffle {
		ds.order = ShuffleOrder(len(ds.records), ds.shuffleBuffer, ds.rng)
	}
	ds.next = 0
}

// nextBatch returns the records of the next batch and the seed to use for its augmentation.
func (ds *Dataset) nextBatch() ([]tiles.Record, int64, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.batchSize <= 0 {
		return nil, 0, errors.Errorf("dataset %q has invalid batch size %d", ds.name, ds.batchSize)
	}
	remaining := len(ds.order) - ds.next
	if remaining <= 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		return nil, 0, io.EOF
	}
	n := min(remaining, ds.batchSize)
	batch := make([]tiles.Record, n)
	for ii := range batch {
		batch[ii] = ds.records[ds.order[ds.next+ii]]
	}
	ds.next += n
	return batch, ds.rng.Int63(), nil
}

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
//
// Errors loading any of the tiles are returned.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, seed, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	var rng *rand.Rand
	if ds.augmentation != nil {
		rng = rand.New(rand.NewSource(seed))
	}
	imgs := make([]image.Image, len(batch))
	labelsData := make([]int64, len(batch))
	for ii, record := range batch {
		img, err := LoadTile(record.Path, ds.imageSize)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
		}
		if ds.augmentation != nil {
			img = ds.augmentation.Apply(img, rng)
		}
		imgs[ii] = img
		labelsData[ii] = record.Encoded()
	}
	inputs = []*tensors.Tensor{ToTensor(imgs)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsData, len(batch), 1)}
	return nil, inputs, labels, nil
}
