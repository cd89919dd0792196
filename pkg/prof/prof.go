//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/ardnew/softheci/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

var (
	// cpuMutex protects cpuActive.
	cpuMutex sync.Mutex

	// cpuActive is set while a session holds the CPU profile.
	cpuActive bool
)

// Session is a running profiling session.
type Session struct {
	opts     Options
	cpuFile  *os.File
	stopOnce sync.Once
	stopErr  error
}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("profile directory: %w", err)
	}

	if opts.BlockRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockRate)
	}
	if opts.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexFraction)
	}

	s := &Session{opts: opts}
	if opts.CPU {
		if err := s.startCPU(); err != nil {
			return nil, err
		}
	}

	pkg.LogInfo(pkg.ComponentProfile, "profiling started",
		"dir", opts.Dir,
		"cpu", opts.CPU,
		"snapshots", len(opts.Snapshots))
	return s, nil
}

func (s *Session) startCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return ErrCPUProfileActive
	}

	f, err := os.Create(s.opts.path(ProfileCPU))
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}

	s.cpuFile = f
	cpuActive = true
	return nil
}

func (s *Session) stopCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if s.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := s.cpuFile.Close()
	s.cpuFile = nil
	cpuActive = false
	return err
}

// Stop ends the CPU profile and writes the snapshots. Later calls return
// the result of the first.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		var errs []error
		if err := s.stopCPU(); err != nil {
			errs = append(errs, fmt.Errorf("cpu: %w", err))
		}
		for _, p := range s.opts.Snapshots {
			if err := s.writeSnapshot(p); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
			}
		}
		s.stopErr = errors.Join(errs...)

		pkg.LogInfo(pkg.ComponentProfile, "profiling stopped",
			"dir", s.opts.Dir,
			"error", s.stopErr)
	})
	return s.stopErr
}

func (s *Session) writeSnapshot(p Profile) error {
	f, err := os.Create(s.opts.path(p))
	if err != nil {
		return err
	}
	if err := WriteTo(p, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes snapshot profile p to w. Debug level 0 produces the binary
// format read by go tool pprof; level 1 produces text.
func WriteTo(p Profile, w io.Writer, debug int) error {
	if !p.IsSnapshot() {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, p)
	}
	lp := pprof.Lookup(p.String())
	if lp == nil {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, p)
	}
	return lp.WriteTo(w, debug)
}
