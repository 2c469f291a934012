// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// frostnet trains and runs classifiers of frost in satellite image tiles.
//
// Usage:
//
//	frostnet splits --config=frostnet.toml
//	frostnet train --config=frostnet.toml --set="model=transfer;backbone=ResNet50"
//	frostnet classify --config=frostnet.toml tile_0001.png tile_0002.png
//
// The klog flags (e.g. --v=1, --logtostderr) are also accepted.
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	cmd := newRootCommand(flag.CommandLine)
	if err := cmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
