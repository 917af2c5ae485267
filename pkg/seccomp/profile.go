package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a profile that applies defaultAction to every syscall
// no rule matches.
func NewBuilder(defaultAction specs.LinuxSeccompAction) *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: defaultAction,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchX86,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

// BlockSyscalls makes names fail with EPERM.
func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	errno := uint(1)
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:    names,
		Action:   specs.ActErrno,
		ErrnoRet: &errno,
	})
	return b
}

// TrapSyscalls kills the offending thread with SIGSYS.
func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}
