// Package config defines the per-invocation configuration object that is
// threaded through graph construction and execution. It is constructed once
// by the CLI and never mutated afterwards.
package config

import (
	"fmt"
	"runtime"
)

// maxJobsFactor caps the worker count at a multiple of the core count so
// I/O-bound actions cannot request unbounded oversubscription.
const maxJobsFactor = 4

// StashConfig selects and tunes the cache backends for one invocation.
// Upload and Download are independent switches: a CI fleet may upload while
// developer machines only download.
type StashConfig struct {
	Upload   bool
	Download bool

	// LocalDir enables the directory-backed stash when non-empty.
	LocalDir string

	// S3 enables the remote stash when non-nil. The local stash, when both
	// are configured, is consulted first.
	S3 *S3Config
}

// S3Config holds the connection settings for the S3-compatible stash backend.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether any stash backend is configured.
func (s *StashConfig) Enabled() bool {
	return s != nil && (s.LocalDir != "" || s.S3 != nil)
}

// Config is the invocation configuration for the build engine.
type Config struct {
	// WorkspaceDir is the root directory searched for manifests.
	WorkspaceDir string

	// BuildDir receives generated outputs, exported build files and the
	// engine's own state database.
	BuildDir string

	// Backend names the driver used for generate/build/clean.
	Backend string

	// Jobs is the number of actions executed concurrently.
	Jobs int

	// FailFast cancels all running actions on the first failure instead of
	// letting independent in-flight actions finish.
	FailFast bool

	// Verbose emits buffered action output even on success.
	Verbose bool

	Stash StashConfig

	LogLevel  string
	LogFormat string
}

// UnknownBackendError reports a backend name with no registered driver.
// An unknown name is a configuration error, never a silent fallback.
type UnknownBackendError struct {
	Name  string
	Known []string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q (available: %v)", e.Name, e.Known)
}

// DefaultJobs derives the worker count from the machine's available
// parallelism.
func DefaultJobs() int {
	return runtime.NumCPU()
}

// ClampJobs normalises a requested job count: zero or negative selects the
// default, and anything above the hard cap is reduced to it.
func ClampJobs(jobs int) int {
	if jobs <= 0 {
		jobs = DefaultJobs()
	}
	if max := maxJobsFactor * runtime.NumCPU(); jobs > max {
		jobs = max
	}
	return jobs
}
