// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frostnet

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Data holds the location of the tiles and of the split files.
type Data struct {
	// HeadDir holds one subdirectory per subframe.
	HeadDir string `toml:"head_dir"`

	// TrainList, ValidateList and TestList are files with one source image identifier per line.
	TrainList    string `toml:"train_list"`
	ValidateList string `toml:"validate_list"`
	TestList     string `toml:"test_list"`
}

// Output holds where the results of a training run are written.
type Output struct {
	// DataDir is where pre-trained backbone weights are downloaded to, and the base for relative
	// checkpoint directories.
	DataDir string `toml:"data_dir"`

	// CheckpointDir, if set, is where the best model is saved. Relative paths are taken from DataDir.
	CheckpointDir string `toml:"checkpoint_dir"`

	// HistoryCSV and HistoryPlot, if set, are where the per-epoch training history is written.
	// The plot format is taken from the file extension.
	HistoryCSV  string `toml:"history_csv"`
	HistoryPlot string `toml:"history_plot"`
}

// Config of a training run: paths to the inputs and outputs. Hyperparameters are kept in the context,
// see CreateDefaultContext.
type Config struct {
	Data   Data   `toml:"data"`
	Output Output `toml:"output"`

	// Settings are hyperparameters in the same format as the --set flag, e.g. "model=transfer;backbone=ResNet50".
	// Values given in the command line take precedence.
	Settings string `toml:"settings"`
}

// DefaultDataDir is used when no data directory is configured.
const DefaultDataDir = "~/.cache/frostnet"

// DefaultConfig returns a Config with the default values. The data paths are left empty.
func DefaultConfig() Config {
	return Config{
		Output: Output{
			DataDir: DefaultDataDir,
		},
	}
}

// LoadConfig reads the TOML configuration file at path, on top of DefaultConfig.
// Relative paths in the file are taken relative to the directory of the file.
func LoadConfig(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open configuration %q", path)
	}
	defer func() { _ = f.Close() }()

	cfg := DefaultConfig()
	decoder := toml.NewDecoder(f).DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	if err := cfg.normalize(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return &cfg, nil
}

// normalize expands "~" and makes relative paths relative to baseDir.
func (c *Config) normalize(baseDir string) error {
	paths := []*string{
		&c.Data.HeadDir, &c.Data.TrainList, &c.Data.ValidateList, &c.Data.TestList,
		&c.Output.DataDir, &c.Output.HistoryCSV, &c.Output.HistoryPlot,
	}
	for _, p := range paths {
		value := strings.TrimSpace(*p)
		if value == "" {
			*p = value
			continue
		}
		value, err := fsutil.ReplaceTildeInDir(value)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(value) {
			value = filepath.Join(baseDir, value)
		}
		*p = filepath.Clean(value)
	}
	c.Output.CheckpointDir = strings.TrimSpace(c.Output.CheckpointDir)
	return nil
}

// Validate checks that all required paths are set.
func (c *Config) Validate() error {
	required := []struct {
		key, value string
	}{
		{"data.head_dir", c.Data.HeadDir},
		{"data.train_list", c.Data.TrainList},
		{"data.validate_list", c.Data.ValidateList},
		{"data.test_list", c.Data.TestList},
		{"output.data_dir", c.Output.DataDir},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
