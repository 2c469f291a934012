package classifier

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/frostml/frostnet"
	"github.com/frostml/frostnet/dataset"
	"github.com/frostml/frostnet/models"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImageSize = 8

// saveBaselineCheckpoint creates the variables of a small baseline model and saves them to a checkpoint in dir.
// It returns the context holding the model.
func saveBaselineCheckpoint(t *testing.T, dir string) *context.Context {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		models.ParamModel:      models.ModelBaseline,
		models.ParamDenseUnits: 4,
		dataset.ParamImageSize: testImageSize,
		frostnet.ParamRunID:    "test-run",
	})
	_ = context.MustExecOnce(backend, ctx.In(models.ModelScope), func(ctx *context.Context, g *Graph) *Node {
		images := Ones(g, shapes.Make(dtypes.Float32, 1, testImageSize, testImageSize, 3))
		return models.BaselineModelGraph(ctx, nil, []*Node{images})[0]
	})
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
	return ctx
}

func gradient(width, height int, blue uint8) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / width), G: uint8(y * 255 / height), B: blue, A: 255})
		}
	}
	return img
}

func TestClassifier(t *testing.T) {
	dir := t.TempDir()
	checkpointDir := filepath.Join(dir, "checkpoint")
	trainedCtx := saveBaselineCheckpoint(t, checkpointDir)

	backend := graphtest.BuildTestBackend()
	c, err := New(backend, "checkpoint", dir)
	require.NoError(t, err)
	assert.Equal(t, testImageSize, c.ImageSize())
	assert.Equal(t, "test-run", c.RunID())

	imgs := []image.Image{gradient(8, 8, 0), gradient(20, 12, 255), gradient(30, 30, 128)}
	labels, probs, err := c.ClassifyBatch(imgs)
	require.NoError(t, err)
	require.Len(t, labels, len(imgs))
	require.Len(t, probs, len(imgs))

	// Expected probabilities, computed with the original model.
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		resized[ii] = dataset.Normalize(img, testImageSize)
	}
	want := context.MustExecOnce(backend, trainedCtx.In(models.ModelScope).Reuse(),
		func(ctx *context.Context, images *Node) *Node {
			return models.Predictions(models.BaselineModelGraph(ctx, nil, []*Node{images})[0])
		}, dataset.ToTensor(resized))
	wantFlat := tensors.MustCopyFlatData[float32](want)

	for ii := range imgs {
		assert.InDelta(t, 1.0, probs[ii][0]+probs[ii][1], 1e-5)
		assert.InDelta(t, wantFlat[2*ii], probs[ii][0], 1e-4)
		assert.InDelta(t, wantFlat[2*ii+1], probs[ii][1], 1e-4)
		wantLabel := 0
		if probs[ii][1] > probs[ii][0] {
			wantLabel = 1
		}
		assert.Equal(t, wantLabel, labels[ii])

		label, p, err := c.Classify(imgs[ii])
		require.NoError(t, err)
		assert.Equal(t, labels[ii], label)
		assert.InDeltaSlice(t, probs[ii][:], p[:], 1e-5)
	}

	// Classify from a file.
	path := filepath.Join(dir, "tile.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, imgs[0]))
	require.NoError(t, f.Close())
	label, p, err := c.ClassifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, labels[0], label)
	assert.InDeltaSlice(t, probs[0][:], p[:], 1e-5)

	_, _, err = c.ClassifyFile(filepath.Join(dir, "missing.png"))
	require.Error(t, err)

	labels, probs, err = c.ClassifyBatch(nil)
	require.NoError(t, err)
	assert.Empty(t, labels)
	assert.Empty(t, probs)
}

func TestNewMissingCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := New(backend, filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)
}

func TestLabelName(t *testing.T) {
	assert.Equal(t, "background", LabelName(0))
	assert.Equal(t, "frost", LabelName(1))
	assert.Equal(t, "unknown", LabelName(2))
}
