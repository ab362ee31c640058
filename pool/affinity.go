package pool

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/wscms/wscms/config"
)

// cpuSet computes the CPU indices a compute worker should be pinned to,
// per the configured affinity policy (config.ParallelConfig.Affinity):
// contiguous (one worker per CPU, in order), stride2 (every other CPU,
// wrapping) and interleave4 (four CPUs spread a quarter of the machine
// apart), matching the policies named in spec.md §5.
func cpuSet(affinity config.Affinity, workerIdx, nCPU int) []int {
	if nCPU <= 0 {
		nCPU = 1
	}
	switch affinity {
	case config.AffinityStride2:
		return []int{(workerIdx * 2) % nCPU}
	case config.AffinityInterleave4:
		quarter := nCPU / 4
		if quarter == 0 {
			quarter = 1
		}
		set := make([]int, 0, 4)
		for i := 0; i < 4; i++ {
			set = append(set, (workerIdx+i*quarter)%nCPU)
		}
		return set
	case config.AffinityContiguous:
		fallthrough
	default:
		return []int{workerIdx % nCPU}
	}
}

// applyAffinity pins the calling OS thread to the given CPU set. The
// caller must have already called runtime.LockOSThread. Errors are
// non-fatal: affinity is a scheduling hint, not a correctness requirement,
// so a failure (e.g. insufficient permissions) is logged by the caller and
// otherwise ignored. unix.SchedSetaffinity is used without a build
// constraint, so this file builds only on Linux.
func applyAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

// currentNumCPU returns the host's logical CPU count; Start uses it when
// Parallel.NCPU is not positive.
func currentNumCPU() int {
	return runtime.NumCPU()
}
