package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config_obj := GetDefaultConfig()
	assert.Equal(t, "linux_x86", config_obj.Profile)
	assert.Equal(t, []int64{9, 2}, config_obj.FatalSignals)
	assert.False(t, config_obj.EnableChecker)
}

func TestParseConfig(t *testing.T) {
	config_obj := GetDefaultConfig()
	err := ParseConfigFromString([]byte(`
profile: linux_arm
fatal_signals: [9, 2, 6]
enable_checker: true
`), config_obj)
	require.NoError(t, err)

	assert.Equal(t, "linux_arm", config_obj.Profile)
	assert.Equal(t, []int64{9, 2, 6}, config_obj.FatalSignals)
	assert.True(t, config_obj.EnableChecker)
}

func TestEncodeUsesDocumentedKeys(t *testing.T) {
	config_obj := GetDefaultConfig()
	config_obj.VforkWhitelist = []uint64{91}
	config_obj.EnableChecker = true

	serialized, err := Encode(config_obj)
	require.NoError(t, err)

	text := string(serialized)
	assert.Contains(t, text, "fatal_signals:")
	assert.Contains(t, text, "vfork_whitelist:")
	assert.Contains(t, text, "enable_checker:")

	// Unset knobs stay out of the output.
	assert.NotContains(t, text, "log_file")
	assert.NotContains(t, text, "verbose")

	// And the output parses back to the same config.
	parsed := GetDefaultConfig()
	err = ParseConfigFromString(serialized, parsed)
	require.NoError(t, err)
	assert.Equal(t, config_obj, parsed)
}

func TestParseConfigRejectsUnknownProfile(t *testing.T) {
	config_obj := GetDefaultConfig()
	err := ParseConfigFromString([]byte("profile: plan9"), config_obj)
	assert.Error(t, err)
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	config_obj := GetDefaultConfig()
	err := ParseConfigFromString([]byte("not_a_field: true"), config_obj)
	assert.Error(t, err)
}
