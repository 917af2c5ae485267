package sandbox

import (
	"fmt"

	"github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// cfsPeriod is the CFS period the cpu quota is expressed against, matching
// the docker default.
const cfsPeriod = uint64(100000) // 100ms in microseconds

type ResourceLimits struct {
	CPUQuota    int64 `json:"cpu_quota"`    // microseconds per cfsPeriod, 0 = unlimited
	MemoryBytes int64 `json:"memory_bytes"` // hard limit, 0 = unlimited
}

// LimitsFor converts run arguments into resource limits.
func LimitsFor(args RunArgs) (ResourceLimits, error) {
	l := ResourceLimits{CPUQuota: args.CPUQuota}
	if args.MemLimit != "" {
		n, err := units.RAMInBytes(args.MemLimit)
		if err != nil {
			return ResourceLimits{}, fmt.Errorf("%w: mem_limit %q: %v", ErrInvalidRequest, args.MemLimit, err)
		}
		l.MemoryBytes = n
	}
	return l, l.Validate()
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUQuota != 0 && rl.CPUQuota < 1000 {
		return fmt.Errorf("%w: cpu_quota must be >= 1000 or 0, got %d", ErrInvalidRequest, rl.CPUQuota)
	}
	if rl.MemoryBytes != 0 && rl.MemoryBytes < 6*1024*1024 {
		return fmt.Errorf("%w: memory limit must be >= 6MB or 0, got %d", ErrInvalidRequest, rl.MemoryBytes)
	}
	return nil
}

// ApplyResourceLimits writes the limits into an OCI spec. Zero limits leave
// the corresponding cgroup untouched.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if limits.CPUQuota == 0 && limits.MemoryBytes == 0 {
		return
	}
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	if limits.CPUQuota > 0 {
		period := cfsPeriod
		quota := limits.CPUQuota
		spec.Linux.Resources.CPU = &specs.LinuxCPU{
			Period: &period,
			Quota:  &quota,
		}
	}

	if limits.MemoryBytes > 0 {
		memory := limits.MemoryBytes
		spec.Linux.Resources.Memory = &specs.LinuxMemory{
			Limit: &memory,
			Swap:  &memory,
		}
	}
}

// ApplyBindMounts adds the run's volumes to an OCI spec.
func ApplyBindMounts(spec *specs.Spec, volumes map[string]Volume) {
	for src, v := range volumes {
		spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
			Destination: v.Bind,
			Type:        "bind",
			Source:      src,
			Options:     []string{"rbind", v.Mode},
		})
	}
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
