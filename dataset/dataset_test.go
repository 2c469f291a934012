// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/frostml/frostnet/splits"
	"github.com/frostml/frostnet/tiles"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTile writes a PNG of the given size, with a color gradient and a semi-transparent alpha.
func writeTile(t *testing.T, path string, width, height int) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / width), G: uint8(y * 255 / height), B: 128, A: 100})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// makeRecords creates numFrost + numBackground tiles in dir.
func makeRecords(t *testing.T, dir string, numFrost, numBackground int) []tiles.Record {
	var records []tiles.Record
	for ii := range numFrost + numBackground {
		label := tiles.FrostLabel
		if ii >= numFrost {
			label = tiles.BackgroundLabel
		}
		path := filepath.Join(dir, tiles.TilesDir, label, fmt.Sprintf("tile_%04d.png", ii))
		writeTile(t, path, 20+ii, 30)
		records = append(records, tiles.Record{Path: path, Label: label})
	}
	return records
}

func TestLoadTile(t *testing.T) {
	dir := t.TempDir()
	for _, dims := range [][2]int{{7, 13}, {64, 64}, {300, 120}} {
		path := filepath.Join(dir, fmt.Sprintf("tile_%dx%d.png", dims[0], dims[1]))
		writeTile(t, path, dims[0], dims[1])
		img, err := LoadTile(path, 16)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
		for ii := 3; ii < len(img.Pix); ii += 4 {
			require.Equal(t, uint8(0xFF), img.Pix[ii])
		}

		imgT := ToTensor([]image.Image{img})
		assert.Equal(t, []int{1, 16, 16, 3}, imgT.Shape().Dimensions)
		for _, v := range tensors.MustCopyFlatData[float32](imgT) {
			require.True(t, v >= 0 && v <= 1, "value %g out of range", v)
		}
	}

	_, err := LoadTile(filepath.Join(dir, "missing.png"), 16)
	require.Error(t, err)

	corrupt := filepath.Join(dir, "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a png"), 0o644))
	_, err = LoadTile(corrupt, 16)
	require.Error(t, err)
}

func TestShuffleOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, bufferSize := range []int{0, 1, 3, 10, 100} {
		order := ShuffleOrder(50, bufferSize, rng)
		sorted := slices.Clone(order)
		slices.Sort(sorted)
		for ii, v := range sorted {
			require.Equal(t, ii, v, "bufferSize=%d is not a permutation", bufferSize)
		}
		if bufferSize > 0 && bufferSize < 50 {
			for pos, idx := range order {
				require.GreaterOrEqual(t, pos, idx-bufferSize+1, "index %d emitted too early with bufferSize=%d", idx, bufferSize)
			}
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ShuffleOrder(5, 1, rng))
	assert.Empty(t, ShuffleOrder(0, 10, rng))

	// Same seed, same order.
	assert.Equal(t, ShuffleOrder(30, 7, rand.New(rand.NewSource(3))), ShuffleOrder(30, 7, rand.New(rand.NewSource(3))))
}

// yieldAll reads one epoch, and returns the flattened labels and the batch sizes.
func yieldAll(t *testing.T, ds train.Dataset) (labels []int64, batchSizes []int) {
	for {
		_, inputs, labelsT, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labelsT, 1)
		batchSize := inputs[0].Shape().Dimensions[0]
		assert.Equal(t, []int{batchSize, 1}, labelsT[0].Shape().Dimensions)
		labels = append(labels, tensors.MustCopyFlatData[int64](labelsT[0])...)
		batchSizes = append(batchSizes, batchSize)
	}
}

func TestDataset(t *testing.T) {
	records := makeRecords(t, t.TempDir(), 4, 7)
	ds := New("test", records, 8, 42).BatchSize(3, false)
	assert.Equal(t, 4, ds.NumBatches())

	// First batch shapes and values.
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8, 3}, inputs[0].Shape().Dimensions)
	ds.Reset()

	labels, batchSizes := yieldAll(t, ds)
	assert.Equal(t, []int{3, 3, 3, 2}, batchSizes)
	assert.Len(t, labels, 11)
	var numFrost int
	for _, label := range labels {
		numFrost += int(label)
	}
	assert.Equal(t, 4, numFrost)

	// Labels follow the order of the records.
	expected := make([]int64, 0, len(records))
	for _, record := range ds.Records() {
		expected = append(expected, record.Encoded())
	}
	assert.Equal(t, expected, labels)

	// Without Shuffle the order is kept across epochs.
	before := ds.Records()
	ds.Reset()
	assert.Equal(t, before, ds.Records())

	// Dropping the incomplete batch.
	ds = New("test", records, 8, 42).BatchSize(3, true)
	assert.Equal(t, 3, ds.NumBatches())
	_, batchSizes = yieldAll(t, ds)
	assert.Equal(t, []int{3, 3, 3}, batchSizes)
}

func TestDatasetShuffleAndSeed(t *testing.T) {
	records := makeRecords(t, t.TempDir(), 10, 10)
	ds1 := New("a", records, 8, 7).Shuffle(4)
	ds2 := New("b", records, 8, 7).Shuffle(4)
	assert.Equal(t, ds1.Records(), ds2.Records())
	assert.ElementsMatch(t, records, ds1.Records())

	epoch0 := ds1.Records()
	ds1.Reset()
	ds2.Reset()
	assert.NotEqual(t, epoch0, ds1.Records())
	assert.Equal(t, ds1.Records(), ds2.Records())

	// Different seed, different order.
	assert.NotEqual(t, ds1.Records(), New("c", records, 8, 8).Shuffle(4).Records())
}

func TestDatasetAugmentationIsReproducible(t *testing.T) {
	records := makeRecords(t, t.TempDir(), 3, 3)
	read := func() []float32 {
		ds := New("aug", records, 32, 11).BatchSize(6, false).Augment(DefaultAugmentation())
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](inputs[0])
	}
	assert.Equal(t, read(), read())
}

func TestDatasetLoadError(t *testing.T) {
	dir := t.TempDir()
	records := makeRecords(t, dir, 1, 1)
	missing := tiles.Record{Path: filepath.Join(dir, "missing.png"), Label: tiles.FrostLabel}
	ds := New("broken", append(records, missing), 8, 1).BatchSize(10, false)
	_, _, _, err := ds.Yield()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestAssemble(t *testing.T) {
	dir := t.TempDir()
	bySplit := map[splits.Split][]tiles.Record{
		splits.Train:    makeRecords(t, filepath.Join(dir, "train"), 3, 4),
		splits.Validate: makeRecords(t, filepath.Join(dir, "valid"), 2, 1),
		splits.Test:     makeRecords(t, filepath.Join(dir, "test"), 1, 2),
	}
	config := DefaultConfig()
	config.ImageSize = 8
	config.BatchSize = 2
	config.EvalBatchSize = 2
	config.Parallelism = 2
	dss, err := Assemble(bySplit, config)
	require.NoError(t, err)
	defer dss.Done()

	for _, ds := range []train.Dataset{dss.Train, dss.TrainEval, dss.Validation, dss.Test} {
		// Two epochs: order of batches may change with parallelism, contents must not.
		labels, _ := yieldAll(t, ds)
		ds.Reset()
		labels2, _ := yieldAll(t, ds)
		ds.Reset()
		assert.ElementsMatch(t, labels, labels2, ds.Name())
	}
	labels, _ := yieldAll(t, dss.Train)
	assert.Len(t, labels, 7)
	labels, _ = yieldAll(t, dss.Test)
	assert.ElementsMatch(t, []int64{1, 0, 0}, labels)

	// Empty split.
	delete(bySplit, splits.Validate)
	_, err = Assemble(bySplit, config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate")
}

func TestAssembleCorruptTile(t *testing.T) {
	dir := t.TempDir()
	records := makeRecords(t, filepath.Join(dir, "train"), 2, 2)
	corrupt := filepath.Join(dir, "train", tiles.TilesDir, tiles.FrostLabel, "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a png"), 0o644))
	records = append(records, tiles.Record{Path: corrupt, Label: tiles.FrostLabel})
	valid := makeRecords(t, filepath.Join(dir, "valid"), 1, 1)
	bySplit := map[splits.Split][]tiles.Record{splits.Train: records, splits.Validate: valid, splits.Test: valid}

	config := DefaultConfig()
	config.ImageSize = 8
	config.BatchSize = 1
	config.Augment = false
	config.Parallelism = 2
	dss, err := Assemble(bySplit, config)
	require.NoError(t, err)

	var yieldErr error
	for range 2 * len(records) {
		_, _, _, yieldErr = dss.Train.Yield()
		if yieldErr != nil {
			break
		}
	}
	require.Error(t, yieldErr)
	require.NotEqual(t, io.EOF, yieldErr)
	assert.Contains(t, yieldErr.Error(), "corrupt.png")

	// The failure sticks, also after a new epoch is requested.
	assert.NotPanics(t, dss.Train.Reset)
	_, _, _, err = dss.Train.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt.png")

	labels, _ := yieldAll(t, dss.Validation)
	assert.Len(t, labels, 2)
	assert.NotPanics(t, dss.Done)
}

func TestAssembleStepsPerEpochAndSequential(t *testing.T) {
	dir := t.TempDir()
	records := makeRecords(t, dir, 5, 5)
	bySplit := map[splits.Split][]tiles.Record{splits.Train: records, splits.Validate: records, splits.Test: records}
	config := DefaultConfig()
	config.ImageSize = 8
	config.BatchSize = 2
	config.Parallelism = -1
	config.StepsPerEpoch = 3
	dss, err := Assemble(bySplit, config)
	require.NoError(t, err)
	defer dss.Done()
	_, batchSizes := yieldAll(t, dss.Train)
	assert.Equal(t, []int{2, 2, 2}, batchSizes)
	_, ok := dss.Validation.(*Dataset)
	assert.True(t, ok)
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamImageSize:     64,
		ParamBatchSize:     16,
		ParamEvalBatchSize: 0,
		ParamSeed:          3,
		ParamAugment:       false,
		ParamAugMaxZoom:    1.5,
	})
	config := ConfigFromContext(ctx)
	assert.Equal(t, 64, config.ImageSize)
	assert.Equal(t, 16, config.BatchSize)
	assert.Equal(t, 16, config.EvalBatchSize)
	assert.Equal(t, int64(3), config.Seed)
	assert.False(t, config.Augment)
	assert.Equal(t, 1.5, config.Augmentation.MaxZoom)
	assert.Equal(t, 30.0, config.Augmentation.MaxRotation)
	require.NoError(t, config.Validate())

	config.BatchSize = 0
	require.Error(t, config.Validate())
}
