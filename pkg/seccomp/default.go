// Package seccomp builds the syscall filter applied to analysis containers.
package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func privilegedSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"lookup_dcookie",
			"ioperm", "iopl",
			"open_by_handle_at",
		)
}

// AnalysisProfile allows everything an analyzer may need (interpreters,
// SMT solvers, the JVM, compilers writing into the staging dir) and denies
// syscalls that reach outside the container.
func AnalysisProfile() *specs.LinuxSeccomp {
	return privilegedSyscalls(NewBuilder(specs.ActAllow)).Build()
}

// DockerProfileJSON encodes p in the format the Docker API accepts as a
// "seccomp=" security option.
func DockerProfileJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
