// Package sampler computes which frames of a video are captured and uploaded.
package sampler

import "fmt"

// Sample returns the frame indices {0, interval, 2*interval, ...} below
// totalFrames, in increasing order. It returns an empty slice when
// totalFrames is zero.
//
// A non-positive interval or a negative totalFrames is a programming error
// and panics.
func Sample(totalFrames, interval int) []int {
	n := Count(totalFrames, interval)
	frames := make([]int, 0, n)
	for i := 0; i < totalFrames; i += interval {
		frames = append(frames, i)
	}
	return frames
}

// Count returns ceil(totalFrames / interval), the size of Sample's result.
func Count(totalFrames, interval int) int {
	check(totalFrames, interval)
	return (totalFrames + interval - 1) / interval
}

// Pending returns the sampled frames for which done reports false,
// preserving order.
func Pending(totalFrames, interval int, done func(frame int) bool) []int {
	all := Sample(totalFrames, interval)
	pending := all[:0]
	for _, f := range all {
		if !done(f) {
			pending = append(pending, f)
		}
	}
	return pending
}

func check(totalFrames, interval int) {
	if interval < 1 {
		panic(fmt.Sprintf("sampler: interval must be positive, got %d", interval))
	}
	if totalFrames < 0 {
		panic(fmt.Sprintf("sampler: totalFrames must not be negative, got %d", totalFrames))
	}
}
