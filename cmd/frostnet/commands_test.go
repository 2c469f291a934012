package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/frostml/frostnet"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeHeadDir creates one subframe per split, with 2 frost tiles and 1 background tile each.
// Tiles are only listed by the splits command, so their contents are not valid images.
func writeHeadDir(t *testing.T, dir string) (configPath string) {
	for _, subframe := range []string{"ESP_001_0001_a", "ESP_002_0001_a", "ESP_003_0001_a"} {
		for _, tile := range []string{"frost/t0.png", "frost/t1.png", "background/t2.png"} {
			path := filepath.Join(dir, "subframes", subframe, "tiles", tile)
			must.M(os.MkdirAll(filepath.Dir(path), 0o755))
			must.M(os.WriteFile(path, nil, 0o644))
		}
	}
	must.M(os.WriteFile(filepath.Join(dir, "train.txt"), []byte("ESP_001_0001\n"), 0o644))
	must.M(os.WriteFile(filepath.Join(dir, "validate.txt"), []byte("ESP_002_0001\n"), 0o644))
	must.M(os.WriteFile(filepath.Join(dir, "test.txt"), []byte("ESP_003_0001\n"), 0o644))
	configPath = filepath.Join(dir, "frostnet.toml")
	must.M(os.WriteFile(configPath, []byte(`
[data]
head_dir = "subframes"
train_list = "train.txt"
validate_list = "validate.txt"
test_list = "test.txt"
`), 0o644))
	return configPath
}

func runCommand(args ...string) (string, error) {
	cmd := newRootCommand(flag.NewFlagSet("test", flag.ContinueOnError))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSplitsCommand(t *testing.T) {
	configPath := writeHeadDir(t, t.TempDir())
	out, err := runCommand("splits", "--config", configPath)
	require.NoError(t, err)
	for _, want := range []string{"train", "validate", "test", "unassigned", "frost", "background"} {
		assert.Contains(t, out, want)
	}
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := runCommand("splits", "--config", filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	_, err = runCommand("train", "--config", writeHeadDir(t, dir), "--set", "no_such_param=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--set")

	_, err = runCommand("classify", "--config", filepath.Join(dir, "missing.toml"))
	require.Error(t, err, "classify requires at least one image")
}

func TestInfoCommand(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.SetParam(frostnet.ParamRunID, "run-1234")
	ctx.In("model").In("dense").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	handler := must.M1(checkpoints.Build(ctx).Dir(filepath.Join(dir, "checkpoint")).Done())
	must.M(handler.Save())

	out, err := runCommand("info", "--config", filepath.Join(dir, "missing.toml"),
		"--checkpoint", filepath.Join(dir, "checkpoint"), "--vars")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1234")
	assert.Contains(t, out, "weights")
	assert.Contains(t, out, "/model/dense")
}
