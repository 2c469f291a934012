// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"bufio"
	"bytes"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamBackboneOutput selects the node of the ONNX backbone used as features. Any node output of the ONNX graph
// can be used, not only the model outputs.
//
// If empty, the output of the backbone's global average pooling is used (see selectFeatureOutput).
const ParamBackboneOutput = "backbone_output"

// onnxBackbone describes where to get an ONNX backbone and how to normalize its input.
type onnxBackbone struct {
	// Repo and File in the HuggingFace Hub.
	Repo, File string

	// Mean and StdDev used to normalize each channel of the images, after scaling them to [0, 1].
	Mean, StdDev [3]float32

	// PooledFeatures is the name of the output of the global average pooling that precedes the classifier.
	PooledFeatures string
}

var (
	imageNetMean   = [3]float32{0.485, 0.456, 0.406}
	imageNetStdDev = [3]float32{0.229, 0.224, 0.225}

	onnxBackbones = map[Backbone]onnxBackbone{
		ResNet50: {
			Repo:           "Xenova/resnet-50",
			File:           "onnx/model.onnx",
			Mean:           imageNetMean,
			StdDev:         imageNetStdDev,
			PooledFeatures: "/resnet/pooler/GlobalAveragePool_output_0",
		},
		MobileNetV2: {
			Repo:           "Xenova/mobilenet_v2_1.0_224",
			File:           "onnx/model.onnx",
			Mean:           [3]float32{0.5, 0.5, 0.5},
			StdDev:         [3]float32{0.5, 0.5, 0.5},
			PooledFeatures: "/mobilenet_v2/pooler/GlobalAveragePool_output_0",
		},
	}

	// featureOutputs are output names of ONNX feature-extraction exports that hold features, in order of
	// preference. Classification exports only output "logits", which are never used as features.
	featureOutputs = []string{"pooler_output", "last_hidden_state"}
)

// poolingOpType is the ONNX operator of the global average pooling before the classifier of CNN backbones.
const poolingOpType = "GlobalAveragePool"

// onnxExtractor implements FeatureExtractor with a model converted from ONNX.
// The model takes images shaped [batch_size, 3, height, width].
type onnxExtractor struct {
	backbone   Backbone
	config     onnxBackbone
	model      onnx.Model
	inputName  string
	outputName string
}

// newONNXExtractor downloads the ONNX model and loads its weights into ctx, frozen.
func newONNXExtractor(ctx *context.Context, backbone Backbone, config onnxBackbone) (*onnxExtractor, error) {
	repo := hub.New(config.Repo).WithProgressBar(true)
	if token := os.Getenv("HF_TOKEN"); token != "" {
		repo = repo.WithAuth(token)
	}
	onnxPath, err := repo.DownloadFile(config.File)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s backbone from %s", backbone, config.Repo)
	}
	model, err := parser.ParseFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse %s backbone ONNX model in %q", backbone, onnxPath)
	}
	e := &onnxExtractor{backbone: backbone, config: config, model: model}

	inputNames, _ := model.Inputs()
	if len(inputNames) == 0 {
		return nil, errors.Errorf("%s backbone ONNX model in %q has no inputs", backbone, onnxPath)
	}
	e.inputName = inputNames[0]
	outputNames, _ := model.Outputs()
	var graphListing bytes.Buffer
	if err := model.PrintGraph(&graphListing); err != nil {
		return nil, errors.WithMessagef(err, "failed to list the nodes of %s backbone ONNX model", backbone)
	}
	pooled := nodeOutputsByOpType(graphListing.String(), poolingOpType)
	e.outputName = selectFeatureOutput(outputNames, pooled, config.PooledFeatures,
		context.GetParamOr(ctx, ParamBackboneOutput, ""))
	if e.outputName == "" {
		return nil, errors.Wrapf(ErrInvalidConfig,
			"%s backbone ONNX model in %q has no %s node or feature output (outputs: %q), set %q to the node to use",
			backbone, onnxPath, poolingOpType, outputNames, ParamBackboneOutput)
	}

	if err := model.VariablesToContext(ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to load %s backbone weights", backbone)
	}
	numFrozen := FreezeScope(ctx)
	klog.V(1).Infof("Backbone %s: input %q, features from %q, %d frozen variables",
		backbone, e.inputName, e.outputName, numFrozen)
	return e, nil
}

// selectFeatureOutput returns the node output to use as features:
//
//   - requested, if not empty;
//   - otherwise preferredPooled if it is one of the pooled outputs, or else the last of the pooled outputs;
//   - otherwise the first of featureOutputs among the model outputs.
//
// It returns "" if there is no suitable output.
func selectFeatureOutput(outputNames, pooled []string, preferredPooled, requested string) string {
	if requested != "" {
		return requested
	}
	if len(pooled) > 0 {
		if preferredPooled != "" && slices.Contains(pooled, preferredPooled) {
			return preferredPooled
		}
		return pooled[len(pooled)-1]
	}
	for _, name := range featureOutputs {
		if slices.Contains(outputNames, name) {
			return name
		}
	}
	return ""
}

var quotedRegexp = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)

// nodeOutputsByOpType returns, in graph order, the outputs of the nodes with the given operator type.
// It parses the listing written by onnx.Model.PrintGraph: a `"<node>":\t[<op_type>]` line per node,
// followed by its indented inputs and outputs.
func nodeOutputsByOpType(graphListing, opType string) []string {
	var outputs []string
	var inNode bool
	scanner := bufio.NewScanner(strings.NewReader(graphListing))
	scanner.Buffer(nil, 16<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "\t") {
			inNode = strings.HasSuffix(line, "["+opType+"]")
			continue
		}
		rest, found := strings.CutPrefix(line, "\tOutputs: ")
		if !inNode || !found {
			continue
		}
		for _, quoted := range quotedRegexp.FindAllString(rest, -1) {
			if name, err := strconv.Unquote(quoted); err == nil {
				outputs = append(outputs, name)
			}
		}
	}
	return outputs
}

// Backbone implements FeatureExtractor.
func (e *onnxExtractor) Backbone() Backbone { return e.backbone }

// Features implements FeatureExtractor. Spatial features are returned channels-last.
func (e *onnxExtractor) Features(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	images.AssertRank(4)
	dtype := images.DType()
	mean := Reshape(Const(g, e.config.Mean[:]), 1, 1, 1, 3)
	stdDev := Reshape(Const(g, e.config.StdDev[:]), 1, 1, 1, 3)
	x := Div(Sub(images, ConvertDType(mean, dtype)), ConvertDType(stdDev, dtype))
	x = TransposeAllDims(x, 0, 3, 1, 2) // Channels-first.
	outputs := e.model.CallGraph(ctx, g, map[string]*Node{e.inputName: x}, e.outputName)
	features := outputs[0]
	if features.Rank() == 4 {
		features = TransposeAllDims(features, 0, 2, 3, 1) // Back to channels-last.
	}
	return features
}
