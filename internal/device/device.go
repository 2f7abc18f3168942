package device

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/cpu"
)

const (
	Host = "host"
	Auto = "auto"
)

// Properties describes the execution device an attention node runs on.
// Major/Minor form the compute-capability class used by fused-kernel
// support tables; SharedMemPerBlock bounds which fused kernels can be
// loaded once a runner is constructed.
type Properties struct {
	Name               string `json:"name"`
	Major              int    `json:"major"`
	Minor              int    `json:"minor"`
	MaxThreadsPerBlock int    `json:"max_threads_per_block"`
	SharedMemPerBlock  int    `json:"shared_mem_per_block"`
	Multiprocessors    int    `json:"multiprocessors"`
}

// SM returns the compute capability as a two digit class (8.6 -> 86).
func (p Properties) SM() int {
	return p.Major*10 + p.Minor
}

func (p Properties) String() string {
	return fmt.Sprintf("%s (sm%d, smem=%dKiB, mp=%d)", p.Name, p.SM(), p.SharedMemPerBlock/1024, p.Multiprocessors)
}

var presets = map[string]Properties{
	"sm70": {Name: "sm70", Major: 7, Minor: 0, MaxThreadsPerBlock: 1024, SharedMemPerBlock: 96 << 10, Multiprocessors: 80},
	"sm75": {Name: "sm75", Major: 7, Minor: 5, MaxThreadsPerBlock: 1024, SharedMemPerBlock: 64 << 10, Multiprocessors: 40},
	"sm80": {Name: "sm80", Major: 8, Minor: 0, MaxThreadsPerBlock: 1024, SharedMemPerBlock: 164 << 10, Multiprocessors: 108},
	"sm86": {Name: "sm86", Major: 8, Minor: 6, MaxThreadsPerBlock: 1024, SharedMemPerBlock: 100 << 10, Multiprocessors: 84},
	"sm89": {Name: "sm89", Major: 8, Minor: 9, MaxThreadsPerBlock: 1024, SharedMemPerBlock: 100 << 10, Multiprocessors: 128},
	"sm90": {Name: "sm90", Major: 9, Minor: 0, MaxThreadsPerBlock: 1024, SharedMemPerBlock: 228 << 10, Multiprocessors: 132},
}

// Presets returns the known device class names in sorted order.
func Presets() []string {
	names := make([]string, 0, len(presets)+1)
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{Host}, names...)
}

// Lookup resolves a device name. "" and "auto" resolve to the host device.
func Lookup(name string) (Properties, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", Auto, Host:
		return Detect(), nil
	}
	p, ok := presets[n]
	if !ok {
		return Properties{}, fmt.Errorf("unknown device %q (expected one of %s)", name, strings.Join(Presets(), ", "))
	}
	return p, nil
}

// Detect maps the host CPU's vector capabilities onto a device class.
// Wide half-precision capable vector units get a class that admits the
// fused kernels; plain hosts only run the generic path.
func Detect() Properties {
	p := Properties{
		Name:               Host,
		MaxThreadsPerBlock: 1024,
		Multiprocessors:    runtime.NumCPU(),
	}
	switch {
	case cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW:
		p.Major, p.Minor = 8, 0
		p.SharedMemPerBlock = 164 << 10
	case cpu.ARM64.HasASIMDHP && cpu.ARM64.HasFPHP:
		p.Major, p.Minor = 8, 6
		p.SharedMemPerBlock = 100 << 10
	case cpu.X86.HasAVX2 && cpu.X86.HasFMA:
		p.Major, p.Minor = 7, 5
		p.SharedMemPerBlock = 64 << 10
	default:
		p.Major, p.Minor = 6, 1
		p.SharedMemPerBlock = 48 << 10
	}
	return p
}
