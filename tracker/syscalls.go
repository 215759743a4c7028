package tracker

import (
	"github.com/pkg/errors"
	"www.velocidex.com/golang/lptrack/config"
)

// SyscallClass is the dispatcher's view of a system call. Only calls
// that move the lifecycle machine are distinguished; everything else
// is ClassOther.
type SyscallClass uint8

const (
	ClassOther SyscallClass = iota
	ClassClone
	ClassVfork
	ClassExec
	ClassExit      // exit and exit_group both terminate the process
	ClassWait      // wait4/waitpid class, keeps a vfork parent waiting
	ClassWhitelist // dup2/close class, tolerated in the vfork window
)

var classNames = []string{
	"other", "clone", "vfork", "exec", "exit", "wait", "whitelist",
}

func (self SyscallClass) String() string {
	if int(self) < len(classNames) {
		return classNames[self]
	}
	return "other"
}

// SyscallProfile maps the raw syscall numbers of one guest ABI to
// classes. Profiles are built in for the ABIs we have traces for and
// extended through the config file as new guests are observed.
type SyscallProfile struct {
	Name    string
	classes map[uint64]SyscallClass
}

func (self *SyscallProfile) Classify(sysno uint64) SyscallClass {
	class, pres := self.classes[sysno]
	if !pres {
		return ClassOther
	}
	return class
}

// Linux x86 32 bit syscall table entries of interest.
func LinuxX86Profile() *SyscallProfile {
	return &SyscallProfile{
		Name: "linux_x86",
		classes: map[uint64]SyscallClass{
			1:   ClassExit,      // exit
			2:   ClassClone,     // fork - children materialize like clone's
			6:   ClassWhitelist, // close
			7:   ClassWait,      // waitpid
			11:  ClassExec,      // execve
			63:  ClassWhitelist, // dup2
			114: ClassWait,      // wait4
			120: ClassClone,     // clone
			190: ClassVfork,     // vfork
			252: ClassExit,      // exit_group
		},
	}
}

// Linux ARM EABI syscall table entries of interest.
func LinuxArmProfile() *SyscallProfile {
	return &SyscallProfile{
		Name: "linux_arm",
		classes: map[uint64]SyscallClass{
			1:   ClassExit,      // exit
			2:   ClassClone,     // fork
			6:   ClassWhitelist, // close
			11:  ClassExec,      // execve
			63:  ClassWhitelist, // dup2
			114: ClassWait,      // wait4
			120: ClassClone,     // clone
			190: ClassVfork,     // vfork
			248: ClassExit,      // exit_group
		},
	}
}

// ProfileFromConfig resolves the configured profile and applies any
// whitelist extensions.
func ProfileFromConfig(config_obj *config.Config) (*SyscallProfile, error) {
	var profile *SyscallProfile

	switch config_obj.Profile {
	case "", "linux_x86":
		profile = LinuxX86Profile()

	case "linux_arm":
		profile = LinuxArmProfile()

	default:
		return nil, errors.Errorf(
			"unknown syscall profile %v", config_obj.Profile)
	}

	for _, sysno := range config_obj.VforkWhitelist {
		profile.classes[sysno] = ClassWhitelist
	}

	return profile, nil
}
