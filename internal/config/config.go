package config

import (
	"os"
	"strconv"
	"time"
)

const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultDeclFile        = "probes.yaml"
	DefaultOutputPrefix    = "zz_sdt"
	DefaultTargets         = "amd64,arm64,riscv64"
	DefaultWrapperPrefix   = "probe"
	DefaultSemaphoreSymbol = "sdt_semaphores"
	DefaultBaseSymbol      = "sdt_base"
	DefaultStubPrefix      = "sdt"
	DefaultLinkTimeout     = 2 * time.Minute
	DefaultLinkWorkers     = 4
	DefaultVersion         = "v0.3.0"
)

const (
	MaxIdentifierLength = 128
	MaxProbeArgs        = 12
	MaxProbesPerPackage = 4096
	MaxDeclFileSize     = 1024 * 1024
)

const DefaultFileMode = 0644

var (
	LogFormat           = getEnvOrDefault("SDTPROBE_LOG_FORMAT", DefaultLogFormat)
	DeclFile            = getEnvOrDefault("SDTPROBE_DECL_FILE", DefaultDeclFile)
	OutputPrefix        = getEnvOrDefault("SDTPROBE_OUTPUT_PREFIX", DefaultOutputPrefix)
	Targets             = getEnvOrDefault("SDTPROBE_TARGETS", DefaultTargets)
	WrapperPrefix       = getEnvOrDefault("SDTPROBE_WRAPPER_PREFIX", DefaultWrapperPrefix)
	StrictLink          = getEnvOrDefault("SDTPROBE_STRICT", "false") == "true"
	LinkTimeout         = getDurationEnvOrDefault("SDTPROBE_LINK_TIMEOUT", DefaultLinkTimeout)
	LinkWorkers         = getIntEnvOrDefault("SDTPROBE_LINK_WORKERS", DefaultLinkWorkers)
	IdentifierMaxLength = getIntEnvOrDefault("SDTPROBE_MAX_IDENTIFIER_LENGTH", MaxIdentifierLength)
	Version             = getEnvOrDefault("SDTPROBE_VERSION", DefaultVersion)
)

// GeneratedFile returns the name of a generated file, e.g. "zz_sdt.go" or
// "zz_sdt_linux_amd64.s".
func GeneratedFile(suffix string) string {
	return OutputPrefix + suffix
}

func SetStrictLink(strict bool) {
	StrictLink = strict
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func GetVersion() string {
	return Version
}

func GetUserAgent() string {
	return "sdtprobe/" + GetVersion()
}
