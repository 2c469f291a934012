package frostnet

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/frostml/frostnet/dataset"
	"github.com/frostml/frostnet/models"
	"github.com/frostml/frostnet/splits"
	"github.com/frostml/frostnet/tiles"
	"github.com/frostml/frostnet/training"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "frostnet.toml")
	writeFile(t, configPath, `
settings = "model=baseline;num_epochs=3"

[data]
head_dir = "subframes"
train_list = "lists/train.txt"
validate_list = "lists/validate.txt"
test_list = "/abs/test.txt"

[output]
checkpoint_dir = "run1"
history_csv = "history.csv"
`)
	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "subframes"), cfg.Data.HeadDir)
	assert.Equal(t, filepath.Join(dir, "lists", "train.txt"), cfg.Data.TrainList)
	assert.Equal(t, filepath.Join(dir, "lists", "validate.txt"), cfg.Data.ValidateList)
	assert.Equal(t, "/abs/test.txt", cfg.Data.TestList)
	assert.Equal(t, "run1", cfg.Output.CheckpointDir, "checkpoint directory is relative to the data directory")
	assert.Equal(t, filepath.Join(dir, "history.csv"), cfg.Output.HistoryCSV)
	assert.Empty(t, cfg.Output.HistoryPlot)
	assert.True(t, filepath.IsAbs(cfg.Output.DataDir), "got %q", cfg.Output.DataDir)
	assert.True(t, strings.HasSuffix(cfg.Output.DataDir, filepath.Join(".cache", "frostnet")))
	assert.Equal(t, "model=baseline;num_epochs=3", cfg.Settings)

	t.Run("missing fields", func(t *testing.T) {
		path := filepath.Join(dir, "incomplete.toml")
		writeFile(t, path, "[data]\nhead_dir = \"subframes\"\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data.train_list")
		assert.Contains(t, err.Error(), "data.test_list")
	})

	t.Run("unknown fields", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.toml")
		writeFile(t, path, "[data]\nhead_directory = \"subframes\"\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "missing.toml"))
		require.Error(t, err)
	})
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, models.ModelBaseline, context.GetParamOr(ctx, models.ParamModel, ""))
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, training.DefaultConfig(), training.ConfigFromContext(ctx))
	assert.Equal(t, dataset.DefaultConfig(), dataset.ConfigFromContext(ctx))

	paramsSet, err := commandline.ParseContextSettings(ctx, "model=transfer;backbone=resnet50;patience=3")
	require.NoError(t, err)
	assert.Len(t, paramsSet, 3)
	assert.Equal(t, 3, training.ConfigFromContext(ctx).Patience)
	modelType, backbone, err := models.ValidateConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModelTransfer, modelType)
	assert.Equal(t, models.ResNet50, backbone)
	assert.Equal(t, "transfer (ResNet50)", modelDescription(ctx))
}

// writeTile writes a tile of the given color, with some noise so frost and background tiles are separable.
func writeTile(t *testing.T, path string, base color.NRGBA, size, seed int) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			noise := uint8((x*7 + y*13 + seed*31) % 40)
			img.SetNRGBA(x, y, color.NRGBA{R: base.R + noise, G: base.G + noise, B: base.B + noise, A: 255})
		}
	}
	f := must.M1(os.Create(path))
	must.M(png.Encode(f, img))
	must.M(f.Close())
}

// makeHeadDir creates subframes with bright frost tiles and dark background tiles, and the split files.
// One subframe is not listed in any split.
func makeHeadDir(t *testing.T, dir string) *Config {
	headDir := filepath.Join(dir, "subframes")
	subframes := map[splits.Split][]string{
		splits.Train:    {"ESP_011_0001_a", "ESP_011_0002_a", "ESP_011_0003_a"},
		splits.Validate: {"ESP_022_0001_b"},
		splits.Test:     {"ESP_033_0001_c"},
	}
	lists := make(map[splits.Split][]string)
	tileIdx := 0
	for split, names := range subframes {
		for _, name := range names {
			lists[split] = append(lists[split], splits.SourceImageID(name))
			for ii := range 4 {
				writeTile(t, filepath.Join(headDir, name, tiles.TilesDir, tiles.FrostLabel, fmt.Sprintf("t%03d.png", ii)),
					color.NRGBA{R: 200, G: 200, B: 210}, 12, tileIdx)
				writeTile(t, filepath.Join(headDir, name, tiles.TilesDir, tiles.BackgroundLabel, fmt.Sprintf("t%03d.png", ii)),
					color.NRGBA{R: 40, G: 30, B: 20}, 12, tileIdx)
				tileIdx++
			}
			require.NoError(t, os.MkdirAll(filepath.Join(headDir, name, "labels"), 0o755))
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(headDir, "ESP_099_0001_z", tiles.TilesDir), 0o755))

	cfg := DefaultConfig()
	cfg.Data.HeadDir = headDir
	for split, path := range map[splits.Split]*string{
		splits.Train: &cfg.Data.TrainList, splits.Validate: &cfg.Data.ValidateList, splits.Test: &cfg.Data.TestList,
	} {
		*path = filepath.Join(dir, split.String()+".txt")
		writeFile(t, *path, strings.Join(lists[split], "\n")+"\n")
	}
	cfg.Output.DataDir = filepath.Join(dir, "data")
	return &cfg
}

func TestIndexTiles(t *testing.T) {
	cfg := makeHeadDir(t, t.TempDir())
	idx, err := IndexTiles(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"ESP_099_0001_z"}, idx.Unassigned)
	assert.Len(t, idx.Assigned, 5)
	summary := idx.Summary()
	require.Len(t, summary, 3)
	assert.Equal(t, SplitSummary{Split: splits.Train, Subframes: 3, Tiles: 24, Frost: 12, Background: 12}, summary[0])
	assert.Equal(t, SplitSummary{Split: splits.Validate, Subframes: 1, Tiles: 8, Frost: 4, Background: 4}, summary[1])
	assert.Equal(t, SplitSummary{Split: splits.Test, Subframes: 1, Tiles: 8, Frost: 4, Background: 4}, summary[2])
}

func TestTrain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training in short mode")
	}
	ShowProgress = false
	defer func() { ShowProgress = true }()

	dir := t.TempDir()
	cfg := makeHeadDir(t, dir)
	cfg.Output.CheckpointDir = "checkpoint"
	cfg.Output.HistoryCSV = filepath.Join(dir, "history.csv")
	cfg.Output.HistoryPlot = filepath.Join(dir, "history.png")

	ctx := CreateDefaultContext()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx,
		"image_size=8;batch_size=4;eval_batch_size=8;num_epochs=3;patience=1;parallelism=-1;dense_units=8;plots=false"))

	backend := graphtest.BuildTestBackend()
	result, err := Train(backend, ctx, cfg, paramsSet)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, result.RunID, context.GetParamOr(ctx, ParamRunID, ""))

	require.NotEmpty(t, result.History.Epochs)
	assert.LessOrEqual(t, len(result.History.Epochs), 3)
	assert.Positive(t, result.History.BestEpoch)

	require.NotNil(t, result.Report)
	assert.Equal(t, 8, result.Report.Total)
	assert.Equal(t, 4, result.Report.Classes[0].Support)
	assert.Equal(t, 4, result.Report.Classes[1].Support)

	assert.Equal(t, filepath.Join(cfg.Output.DataDir, "checkpoint"), result.CheckpointDir)
	entries, err := os.ReadDir(result.CheckpointDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	for _, path := range []string{cfg.Output.HistoryCSV, cfg.Output.HistoryPlot} {
		_, err := os.Stat(path)
		require.NoErrorf(t, err, "missing %q", path)
	}

	t.Run("empty split", func(t *testing.T) {
		emptyCfg := *cfg
		emptyCfg.Output.CheckpointDir = ""
		emptyCfg.Data.TestList = filepath.Join(dir, "empty.txt")
		writeFile(t, emptyCfg.Data.TestList, "\n")
		ctx := CreateDefaultContext()
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, "image_size=8;parallelism=-1"))
		_, err := Train(backend, ctx, &emptyCfg, paramsSet)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "test")
	})

	t.Run("invalid backbone", func(t *testing.T) {
		noCheckpointCfg := *cfg
		noCheckpointCfg.Output.CheckpointDir = ""
		ctx := CreateDefaultContext()
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, "model=transfer;backbone=Xception;parallelism=-1"))
		_, err := Train(backend, ctx, &noCheckpointCfg, paramsSet)
		require.ErrorIs(t, err, models.ErrInvalidConfig)
	})

	t.Run("corrupt tile", func(t *testing.T) {
		corruptDir := t.TempDir()
		corruptCfg := makeHeadDir(t, corruptDir)
		corrupt := filepath.Join(corruptCfg.Data.HeadDir, "ESP_011_0002_a", tiles.TilesDir, tiles.FrostLabel, "corrupt.png")
		writeFile(t, corrupt, "not a png")
		ctx := CreateDefaultContext()
		paramsSet := must.M1(commandline.ParseContextSettings(ctx,
			"image_size=8;batch_size=4;num_epochs=1;parallelism=2;dense_units=8;plots=false"))
		_, err := Train(backend, ctx, corruptCfg, paramsSet)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt.png")
		assert.NotContains(t, err.Error(), "closed channel")
	})
}
