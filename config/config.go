// Configuration for the lifecycle tracker. The interesting knobs are
// the syscall profile of the monitored guest and the set of signals we
// consider unconditionally fatal. The fatal signal set is inferred from
// observed traces rather than documented kernel behavior, so it is kept
// as configuration that can be extended as new traces are analyzed.
package config

import (
	"io/ioutil"
	"os"

	"github.com/Velocidex/yaml/v2"
	"github.com/pkg/errors"
)

type Config struct {
	// Which syscall numbering profile the guest uses. One of
	// "linux_x86", "linux_arm".
	Profile string `json:"profile,omitempty"`

	// Signals that unconditionally terminate the receiver. Defaults
	// to SIGKILL and SIGINT which is what we have observed in real
	// traces. Signals leading to graceful termination (via exit_group)
	// do not belong here.
	FatalSignals []int64 `json:"fatal_signals,omitempty"`

	// Extra syscall numbers tolerated during the vfork child's
	// restricted window, in addition to the builtin dup2/close set.
	VforkWhitelist []uint64 `json:"vfork_whitelist,omitempty"`

	// Enable the next-task consistency checker. Diagnostic only.
	EnableChecker bool `json:"enable_checker,omitempty"`

	// Log state transitions and scheduling decisions.
	Verbose bool `json:"verbose,omitempty"`

	// If set, logs are written here instead of stderr.
	LogFile string `json:"log_file,omitempty"`
}

var validProfiles = []string{"linux_x86", "linux_arm"}

func GetDefaultConfig() *Config {
	return &Config{
		Profile:      "linux_x86",
		FatalSignals: []int64{9, 2},
	}
}

// Load the config stored in the YAML file and return a config object.
// Missing fields keep their default values.
func LoadConfig(filename string) (*Config, error) {
	result := GetDefaultConfig()

	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	err = ParseConfigFromString(data, result)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func ParseConfigFromString(config_string []byte, config_obj *Config) error {
	err := yaml.UnmarshalStrict(config_string, config_obj)
	if err != nil {
		return errors.Wrap(err, "ParseConfigFromString")
	}

	return ValidateConfig(config_obj)
}

func ValidateConfig(config_obj *Config) error {
	if config_obj.Profile == "" {
		config_obj.Profile = "linux_x86"
	}

	for _, valid := range validProfiles {
		if config_obj.Profile == valid {
			return nil
		}
	}

	return errors.Errorf("unknown syscall profile %v", config_obj.Profile)
}

func Encode(config_obj *Config) ([]byte, error) {
	return yaml.Marshal(config_obj)
}

func WriteConfigToFile(filename string, config_obj *Config) error {
	bytes, err := Encode(config_obj)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(filename, bytes, os.ModePerm)
}
