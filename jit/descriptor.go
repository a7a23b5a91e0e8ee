package jit

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/gomlx/jitcomm/device"
	"github.com/pkg/errors"
)

// DefaultLaunchBounds is the maximum number of threads per block assumed when the source has no __launch_bounds__.
const DefaultLaunchBounds = 1024

// Descriptor of an injected kernel: its source and the launch geometry parsed from the source annotations.
type Descriptor struct {
	// Source as given, without the platform preamble.
	Source string

	// Entry is the name of the kernel function.
	Entry string

	// Blocks and Threads are the default grid and block dimensions, from the "// [thread_extent]" annotations.
	// Axes not annotated default to 1.
	Blocks, Threads device.Dim3

	// LaunchBounds is the argument of __launch_bounds__, or DefaultLaunchBounds.
	LaunchBounds int
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s<<<%s, %s>>> (launch bounds %d)", d.Entry, d.Blocks, d.Threads, d.LaunchBounds)
}

var (
	threadExtentRegexp = regexp.MustCompile(`//\s*\[thread_extent\]\s*(blockIdx|threadIdx)\.([xyz])\s*=\s*(-?\d+)`)
	launchBoundsRegexp = regexp.MustCompile(`__launch_bounds__\s*\(\s*(-?\d+)`)
	entryRegexp        = regexp.MustCompile(`\svoid\s+([A-Za-z_]\w*)\s*\(`)
)

// ParseAnnotated parses the kernel source annotations:
//
//	// [thread_extent] blockIdx.x = 128
//	// [thread_extent] threadIdx.x = 256
//	extern "C" __global__ __launch_bounds__(256) void my_kernel(float* out, ...)
//
// The entry point is the name of the first function declared as "void <name>(". When an axis is annotated more
// than once, the last annotation wins.
func ParseAnnotated(source string) (Descriptor, error) {
	d := Descriptor{
		Source:       source,
		Blocks:       device.Ones,
		Threads:      device.Ones,
		LaunchBounds: DefaultLaunchBounds,
	}
	for _, match := range threadExtentRegexp.FindAllStringSubmatch(source, -1) {
		value, err := strconv.Atoi(match[3])
		if err != nil || value <= 0 {
			return Descriptor{}, errors.Errorf("invalid kernel annotation %q: extent must be a positive integer", match[0])
		}
		dims := &d.Blocks
		if match[1] == "threadIdx" {
			dims = &d.Threads
		}
		switch match[2] {
		case "x":
			dims.X = value
		case "y":
			dims.Y = value
		case "z":
			dims.Z = value
		}
	}
	if match := launchBoundsRegexp.FindStringSubmatch(source); match != nil {
		value, err := strconv.Atoi(match[1])
		if err != nil || value <= 0 {
			return Descriptor{}, errors.Errorf("invalid __launch_bounds__(%s): must be a positive integer", match[1])
		}
		d.LaunchBounds = value
	}
	match := entryRegexp.FindStringSubmatch(source)
	if match == nil {
		return Descriptor{}, errors.New("kernel source has no entry point: no function declared as \"void <name>(\" found")
	}
	d.Entry = match[1]
	return d, nil
}

// grid resolves the grid dimensions of a launch: the given values replace the annotated defaults of the leading
// axes, in order x, y, z.
func (d Descriptor) grid(dims []int) (device.Dim3, error) {
	if len(dims) > 3 {
		return device.Dim3{}, errors.Errorf("grid for %q given %d dimensions, at most 3 are supported", d.Entry, len(dims))
	}
	grid := d.Blocks
	axes := []*int{&grid.X, &grid.Y, &grid.Z}
	for i, value := range dims {
		if value <= 0 {
			return device.Dim3{}, errors.Errorf("grid for %q given invalid dimension %d for axis %d", d.Entry, value, i)
		}
		*axes[i] = value
	}
	return grid, nil
}
