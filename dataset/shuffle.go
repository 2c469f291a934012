// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import "math/rand"

// ShuffleOrder returns a permutation of [0, n) generated by streaming the indices through a shuffle buffer
// of bufferSize elements: each output is drawn uniformly from the buffer, and its slot is refilled with the
// next index.
//
// If bufferSize is smaller than n the shuffle is only approximate: index i is never emitted before
// position i-bufferSize+1. If bufferSize <= 0 or bufferSize >= n, it is a uniform permutation.
func ShuffleOrder(n, bufferSize int, rng *rand.Rand) []int {
	if bufferSize <= 0 || bufferSize >= n {
		return rng.Perm(n)
	}
	order := make([]int, 0, n)
	buffer := make([]int, bufferSize)
	for ii := range buffer {
		buffer[ii] = ii
	}
	next := bufferSize
	for len(buffer) > 0 {
		idx := rng.Intn(len(buffer))
		order = append(order, buffer[idx])
		if next < n {
			buffer[idx] = next
			next++
		} else {
			last := len(buffer) - 1
			buffer[idx] = buffer[last]
			buffer = buffer[:last]
		}
	}
	return order
}
