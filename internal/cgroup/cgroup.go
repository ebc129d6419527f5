// Package cgroup enumerates and scores control groups so the kernel sampler
// supervisor can scope sampling to a subset of the host rather than
// profiling every process. It supports both cgroup v1 (split controller
// hierarchies) and v2 (the unified hierarchy).
package cgroup

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Version identifies which cgroup hierarchy layout the host uses.
type Version int

const (
	// VersionUnknown means detection failed or no cgroup filesystem was found.
	VersionUnknown Version = iota
	// VersionV1 is the split-controller hierarchy (cpu,cpuacct / memory / ... under separate mounts).
	VersionV1
	// VersionV2 is the single unified hierarchy.
	VersionV2
)

// ErrNoEligibleCgroups is returned by TopN when scoping was requested but no
// cgroup has both a resource-controller and a perf-event-controller path.
var ErrNoEligibleCgroups = errors.New("cgroup: no eligible cgroups found")

// ResourceUsage is one scored cgroup candidate.
type ResourceUsage struct {
	Path         string // absolute filesystem path of the controller directory this was read from
	Name         string // the name the kernel sampler expects, relative to the perf_event mount
	CPUNanos     uint64
	MemoryBytes  uint64
	Score        float64
}

// score implements spec's weighted formula: CPU is weighted 10x because
// active CPU use predicts profiling interest more than idle memory residency.
func score(cpuNanos, memoryBytes uint64) float64 {
	cpuSeconds := float64(cpuNanos) / 1e9
	memoryMB := float64(memoryBytes) / (1024 * 1024)
	return 10*cpuSeconds + memoryMB
}

const (
	cgroupV1Root = "/sys/fs/cgroup"
	cgroupV2Root = "/sys/fs/cgroup"
)

// DetectVersion decides which cgroup layout the host is running from the
// filesystem types listed in the mounts file alone: only cgroup2 mounts means
// v2, any cgroup (v1) mount means v1, even alongside cgroup2. Controller
// directories are not probed.
func DetectVersion(procMountsPath string) (Version, error) {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return VersionUnknown, fmt.Errorf("cgroup: open mounts: %w", err)
	}
	defer f.Close()

	sawV1 := false
	sawV2Unified := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		fsType := fields[2]
		switch fsType {
		case "cgroup":
			sawV1 = true
		case "cgroup2":
			sawV2Unified = true
		}
	}
	if err := sc.Err(); err != nil {
		return VersionUnknown, fmt.Errorf("cgroup: scan mounts: %w", err)
	}

	switch {
	case sawV2Unified && !sawV1:
		return VersionV2, nil
	case sawV1:
		return VersionV1, nil
	default:
		return VersionUnknown, nil
	}
}

// Enumerator walks a detected cgroup hierarchy and scores candidates.
type Enumerator struct {
	version Version
	root    string
}

// NewEnumerator builds an Enumerator for the given version, rooted at root
// (pass "" to use the standard /sys/fs/cgroup mount).
func NewEnumerator(version Version, root string) *Enumerator {
	if root == "" {
		root = cgroupV1Root
	}
	return &Enumerator{version: version, root: root}
}

// PerfEventRoot returns the filesystem root TopN should check cgroup
// eligibility against: a dedicated perf_event hierarchy on cgroup v1 (a
// sibling of the cpu,cpuacct/memory controllers this Enumerator walks), or
// the same unified root on cgroup v2, which has no separate perf_event
// controller — the kernel sampler accepts unified-hierarchy cgroup paths
// directly there, so presence under the walked root is itself sufficient.
func (e *Enumerator) PerfEventRoot() string {
	if e.version == VersionV1 {
		return filepath.Join(e.root, "perf_event")
	}
	return e.root
}

// FindAll walks the controller hierarchy for the active version and returns
// every cgroup directory with a computed ResourceUsage. Directories that
// fail to parse are skipped, not fatal.
func (e *Enumerator) FindAll() ([]ResourceUsage, error) {
	switch e.version {
	case VersionV1:
		return e.findAllV1()
	case VersionV2:
		return e.findAllV2()
	default:
		return nil, fmt.Errorf("cgroup: unsupported or undetected version")
	}
}

func (e *Enumerator) findAllV1() ([]ResourceUsage, error) {
	cpuRoot := filepath.Join(e.root, "cpu,cpuacct")
	if _, err := os.Stat(cpuRoot); err != nil {
		cpuRoot = filepath.Join(e.root, "cpuacct")
	}
	memRoot := filepath.Join(e.root, "memory")

	var usages []ResourceUsage
	err := filepath.Walk(cpuRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		usageFile := filepath.Join(path, "cpuacct.usage")
		cpuNanos, readErr := readUintFile(usageFile)
		if readErr != nil {
			return nil
		}

		rel, _ := filepath.Rel(cpuRoot, path)
		memUsageFile := filepath.Join(memRoot, rel, "memory.usage_in_bytes")
		memBytes, _ := readUintFile(memUsageFile)

		usages = append(usages, ResourceUsage{
			Path:        path,
			Name:        perfEventName(rel),
			CPUNanos:    cpuNanos,
			MemoryBytes: memBytes,
			Score:       score(cpuNanos, memBytes),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cgroup: walk v1 cpu hierarchy: %w", err)
	}
	return usages, nil
}

func (e *Enumerator) findAllV2() ([]ResourceUsage, error) {
	var usages []ResourceUsage
	err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		statFile := filepath.Join(path, "cpu.stat")
		usecs, readErr := readCPUStatUsec(statFile)
		if readErr != nil {
			return nil
		}

		memFile := filepath.Join(path, "memory.current")
		memBytes, _ := readUintFile(memFile)

		rel, _ := filepath.Rel(e.root, path)
		cpuNanos := usecs * 1000

		usages = append(usages, ResourceUsage{
			Path:        path,
			Name:        perfEventName(rel),
			CPUNanos:    cpuNanos,
			MemoryBytes: memBytes,
			Score:       score(cpuNanos, memBytes),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cgroup: walk v2 hierarchy: %w", err)
	}
	return usages, nil
}

// perfEventName converts a controller-relative path to the cgroup name form
// the kernel sampler's -G/cgroup argument expects: relative to the mount
// point, with a leading slash ("/" for the mount root itself).
func perfEventName(rel string) string {
	if rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func readUintFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse %s: %w", path, err)
	}
	return v, nil
}

func readCPUStatUsec(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 || fields[0] != "usage_usec" {
			continue
		}
		return strconv.ParseUint(fields[1], 10, 64)
	}
	return 0, fmt.Errorf("cgroup: usage_usec not found in %s", path)
}

// PerfEventEligible reports whether a perf-event controller path exists for
// the given cgroup name, as required before the cgroup may be surfaced for
// scoping: both the resource controller and the perf-event controller paths
// must exist.
func PerfEventEligible(perfEventRoot, name string) bool {
	_, err := os.Stat(filepath.Join(perfEventRoot, strings.TrimPrefix(name, "/")))
	return err == nil
}

// TopN sorts usages by descending score, deduplicates by Name (the same
// logical cgroup can surface through multiple controller walks), and
// returns at most n entries whose perf-event path also exists under
// perfEventRoot (n <= 0 means no cap). Returns ErrNoEligibleCgroups whenever
// nothing qualifies, whatever n is.
func TopN(usages []ResourceUsage, perfEventRoot string, n int) ([]ResourceUsage, error) {
	seen := make(map[string]bool, len(usages))
	eligible := make([]ResourceUsage, 0, len(usages))
	for _, u := range usages {
		if seen[u.Name] {
			continue
		}
		if !PerfEventEligible(perfEventRoot, u.Name) {
			continue
		}
		seen[u.Name] = true
		eligible = append(eligible, u)
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Score > eligible[j].Score })

	if len(eligible) == 0 {
		return nil, ErrNoEligibleCgroups
	}
	if n <= 0 || n > len(eligible) {
		n = len(eligible)
	}
	return eligible[:n], nil
}
