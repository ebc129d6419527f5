// Package containerinfo resolves a PID's container identity — container
// name, pod name, namespace — by reading its /proc/<pid>/cgroup entry and
// matching the conventional Docker/containerd/Kubernetes cgroup path
// segments. It returns the blank triple for non-containerized processes.
package containerinfo

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
)

// Info is the resolved identity triple. All fields are blank if the
// process is not containerized.
type Info struct {
	ContainerName string
	Pod           string
	Namespace     string
}

// IsZero reports whether no container identity was found.
func (i Info) IsZero() bool {
	return i.ContainerName == "" && i.Pod == "" && i.Namespace == ""
}

var (
	// dockerLongID matches a bare 64-hex-char container id segment, as
	// produced by both plain Docker and containerd cgroup paths.
	dockerLongID = regexp.MustCompile(`^[0-9a-f]{64}$`)

	// k8sPodSegment matches the kubepods cgroup naming convention, e.g.
	// "kubepods-burstable-pod<uid>.slice" or "kubepods/burstable/pod<uid>/<id>",
	// where <uid> is a full 8-4-4-4-12 hex pod UID separated by "-" or "_".
	k8sPodSegment = regexp.MustCompile(`pod([0-9a-fA-F]{8}[-_][0-9a-fA-F]{4}[-_][0-9a-fA-F]{4}[-_][0-9a-fA-F]{4}[-_][0-9a-fA-F]{12})`)
)

// Resolver looks up container identity per PID. It keeps no cache: every
// Resolve call reads /proc/<pid>/cgroup afresh.
type Resolver struct {
	procRoot string
}

// NewResolver builds a Resolver rooted at "/proc" (override procRoot for
// tests).
func NewResolver(procRoot string) *Resolver {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Resolver{procRoot: procRoot}
}

// Resolve reads /proc/<pid>/cgroup and extracts the container identity, or
// a zero Info if pid isn't containerized.
func (r *Resolver) Resolve(pid int) (Info, error) {
	cgroupPath := path.Join(r.procRoot, fmt.Sprintf("%d", pid), "cgroup")
	f, err := os.Open(cgroupPath)
	if err != nil {
		return Info{}, fmt.Errorf("containerinfo: open %s: %w", cgroupPath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if info := parseCgroupPath(parts[2]); !info.IsZero() {
			return info, nil
		}
	}
	return Info{}, nil
}

// parseCgroupPath extracts a container/pod identity from one cgroup path
// string, covering plain Docker ("/docker/<id>"), containerd
// ("/system.slice/containerd.service/<id>" or "/kubepods.slice/.../<id>")
// and Kubernetes pod-scoped slices.
func parseCgroupPath(cgroupPath string) Info {
	segments := strings.Split(strings.Trim(cgroupPath, "/"), "/")

	var info Info
	for _, seg := range segments {
		if m := k8sPodSegment.FindStringSubmatch(seg); m != nil {
			info.Pod = strings.NewReplacer("_", "-").Replace(m[1])
			info.Namespace = "kubernetes"
		}
	}

	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		id := strings.TrimSuffix(seg, ".scope")
		if idx := strings.LastIndex(id, "-"); idx >= 0 && strings.HasPrefix(id, "docker-") {
			id = id[idx+1:]
		}
		if dockerLongID.MatchString(id) {
			info.ContainerName = id[:12]
			return info
		}
	}

	if info.Pod != "" {
		return info
	}
	return Info{}
}
