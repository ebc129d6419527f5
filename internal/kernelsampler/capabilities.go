package kernelsampler

import (
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/rlimit"

	"github.com/contprof/agent/internal/sys/sysfs"
)

// Capabilities summarizes what this host can support for the sampler's
// optional JIT-symbol-resolution pass, mirroring the teacher's
// ebpf.detectCapabilities probe (BTF presence, CAP_BPF/root, kprobe program
// type support) but narrowed to the one decision the supervisor needs:
// whether passing -k 1 (kernel symbol resolution via a kprobe helper) is
// safe to attempt.
type Capabilities struct {
	BTFAvailable  bool
	KprobeProgram bool
	CanInjectJIT  bool
}

// DetectCapabilities probes this host's eBPF capability surface. It removes
// the memlock rlimit first (required before any kernel-side probing can
// succeed on pre-5.11 kernels), matching the standard cilium/ebpf startup
// sequence every caller of this library is expected to run once.
func DetectCapabilities() Capabilities {
	if err := rlimit.RemoveMemlock(); err != nil {
		return Capabilities{}
	}

	btf := sysfs.CheckBTFAvailable()
	kprobe := features.HaveProgramType(ebpf.Kprobe) == nil

	return Capabilities{
		BTFAvailable:  btf,
		KprobeProgram: kprobe,
		CanInjectJIT:  btf && kprobe && os.Geteuid() == 0,
	}
}
