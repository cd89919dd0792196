package prof

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ardnew/softheci/pkg"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates another session holds the CPU profile.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime/pprof profile.
type Profile string

// Profile names.
const (
	ProfileCPU          Profile = "cpu"
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

// String returns the profile name.
func (p Profile) String() string {
	return string(p)
}

// IsSnapshot reports whether p is captured at a point in time rather than
// streamed.
func (p Profile) IsSnapshot() bool {
	switch p {
	case ProfileHeap, ProfileAllocs, ProfileGoroutine,
		ProfileThreadCreate, ProfileBlock, ProfileMutex:
		return true
	}
	return false
}

// ParseProfiles converts snapshot profile names. Names are case-insensitive.
// The CPU profile is not a snapshot and is rejected; use [Options.CPU].
func ParseProfiles(names []string) ([]Profile, error) {
	out := make([]Profile, 0, len(names))
	for _, name := range names {
		p := Profile(strings.ToLower(strings.TrimSpace(name)))
		if !p.IsSnapshot() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProfile, name)
		}
		out = append(out, p)
	}
	return out, nil
}

// Options describes a profiling session.
type Options struct {
	// Dir receives the profile files. It is created if missing.
	Dir string

	// CPU streams CPU samples to cpu.pprof while the session runs.
	CPU bool

	// Snapshots are written when the session stops.
	Snapshots []Profile

	// BlockRate is passed to runtime.SetBlockProfileRate. Zero leaves the
	// current rate.
	BlockRate int

	// MutexFraction is passed to runtime.SetMutexProfileFraction. Zero
	// leaves the current fraction.
	MutexFraction int
}

// Validate rejects options that cannot start a session.
func (o Options) Validate() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: profile directory is required", pkg.ErrInvalidParameter)
	}
	for _, p := range o.Snapshots {
		if !p.IsSnapshot() {
			return fmt.Errorf("%w: %q", ErrInvalidProfile, p)
		}
	}
	if o.BlockRate < 0 || o.MutexFraction < 0 {
		return fmt.Errorf("%w: negative profile rate", pkg.ErrInvalidParameter)
	}
	return nil
}

// path returns the output file for p.
func (o Options) path(p Profile) string {
	return filepath.Join(o.Dir, p.String()+".pprof")
}
