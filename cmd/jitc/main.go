// jitc compiles an annotated kernel source the same way the kernel cache does at activation time, and writes the
// resulting image. It is useful to check that a kernel compiles before injecting it.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/jitcomm/device"
	"github.com/gomlx/jitcomm/device/sim"
	"github.com/gomlx/jitcomm/jit"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOutput   = flag.String("o", "", "Output image file. Defaults to the source file name with the .fatbin extension.")
	flagArch     = flag.String("arch", "80", "Target architecture, e.g. 80 for sm_80 or gfx90a for ROCm.")
	flagPlatform = flag.String("platform", "cuda", "Target platform: cuda or rocm.")
	flagRTC      = flag.Bool("rtc", false,
		fmt.Sprintf("Use the in-process compiler only, skipping the toolchain. Also enabled by %s=1.", jit.UseRuntimeCompileEnv))
	flagDescribe = flag.Bool("describe", false, "Only print the launch geometry parsed from the source annotations.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `jitc compiles an annotated kernel source into a loadable image.

$ jitc -arch=80 -o kernel.fatbin kernel.cu

The toolchain is looked up under $%s (default %s). If it fails, the in-process compiler is used.

Usage:
`, jit.ToolkitHomeEnv, jit.DefaultToolkitHome)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	sourcePath := flag.Arg(0)
	if sourcePath == "" {
		fmt.Fprintln(os.Stderr, "No kernel source file given.")
		fmt.Fprintln(os.Stderr)
		flag.Usage()
		os.Exit(1)
	}
	platform := must.M1(parsePlatform(*flagPlatform))
	source := string(must.M1(os.ReadFile(sourcePath)))
	desc := must.M1(jit.ParseAnnotated(source))
	fmt.Printf("%s: %s\n", sourcePath, desc)
	if *flagDescribe {
		return
	}

	config := jit.ConfigFromEnv()
	config.ForceRuntimeCompile = config.ForceRuntimeCompile || *flagRTC
	rtc := sim.NewCompiler()
	rtc.ToolkitHome = config.ToolkitHome
	backend := jit.NewBackend(&jit.NVCC{Home: config.ToolkitHome, Platform: platform}, rtc, config.ForceRuntimeCompile)
	img, err := backend.Compile(jit.Request{
		Source:   platform.Preamble() + source,
		Entry:    desc.Entry,
		Arch:     *flagArch,
		Platform: platform,
	})
	if err != nil {
		klog.Fatalf("Failed to compile %q: %+v", sourcePath, err)
	}

	output := *flagOutput
	if output == "" {
		output = strings.TrimSuffix(sourcePath, ".cu") + ".fatbin"
	}
	must.M(os.WriteFile(output, img, 0o644))
	fmt.Printf("\twrote %d bytes to %s\n", len(img), output)
}

func parsePlatform(name string) (device.Platform, error) {
	switch strings.ToLower(name) {
	case "cuda":
		return device.CUDA, nil
	case "rocm", "hip":
		return device.ROCm, nil
	}
	return device.CUDA, errors.Errorf("unknown platform %q, valid values are cuda or rocm", name)
}
