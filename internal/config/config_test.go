package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	key := "TEST_ENV_VAR"
	originalValue := os.Getenv(key)
	defer func() {
		if originalValue != "" {
			os.Setenv(key, originalValue)
		} else {
			os.Unsetenv(key)
		}
	}()

	tests := []struct {
		name         string
		setValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "test-value", "default", "test-value"},
		{"env not set", "", "default", "default"},
		{"env empty", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setValue != "" {
				os.Setenv(key, tt.setValue)
			} else {
				os.Unsetenv(key)
			}
			result := getEnvOrDefault(key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestGetIntEnvOrDefault(t *testing.T) {
	key := "TEST_INT_ENV_VAR"
	tests := []struct {
		name         string
		setValue     string
		defaultValue int
		expected     int
	}{
		{"valid int", "8", 4, 8},
		{"zero falls back", "0", 4, 4},
		{"negative falls back", "-2", 4, 4},
		{"invalid", "many", 4, 4},
		{"env not set", "", 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.setValue)
			if result := getIntEnvOrDefault(key, tt.defaultValue); result != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestGetDurationEnvOrDefault(t *testing.T) {
	key := "TEST_DURATION_ENV_VAR"
	tests := []struct {
		name         string
		setValue     string
		defaultValue time.Duration
		expected     time.Duration
	}{
		{"valid", "30s", time.Minute, 30 * time.Second},
		{"invalid", "soon", time.Minute, time.Minute},
		{"negative", "-1s", time.Minute, time.Minute},
		{"env not set", "", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.setValue)
			if result := getDurationEnvOrDefault(key, tt.defaultValue); result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestGeneratedFile(t *testing.T) {
	if got := GeneratedFile(".go"); got != OutputPrefix+".go" {
		t.Errorf("GeneratedFile(.go) = %q", got)
	}
}

func TestSetStrictLink(t *testing.T) {
	original := StrictLink
	defer SetStrictLink(original)

	SetStrictLink(true)
	if !StrictLink {
		t.Error("StrictLink should be true")
	}
}

func TestDefaults(t *testing.T) {
	if DefaultDeclFile != "probes.yaml" {
		t.Errorf("DefaultDeclFile = %q", DefaultDeclFile)
	}
	if MaxProbeArgs != 12 {
		t.Errorf("MaxProbeArgs = %d", MaxProbeArgs)
	}
	if MaxIdentifierLength != 128 {
		t.Errorf("MaxIdentifierLength = %d", MaxIdentifierLength)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion() = %q, want %q", GetVersion(), Version)
	}
	if GetUserAgent() != "sdtprobe/"+Version {
		t.Errorf("GetUserAgent() = %q", GetUserAgent())
	}
}
