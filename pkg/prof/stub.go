//go:build !profile

package prof

import (
	"io"

	"github.com/ardnew/softheci/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Session is a profiling session that records nothing.
type Session struct{}

// Start validates opts and returns a session that records nothing.
func Start(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	pkg.LogWarn(pkg.ComponentProfile, "profiling not compiled in; rebuild with -tags profile",
		"dir", opts.Dir)
	return &Session{}, nil
}

// Stop does nothing.
func (s *Session) Stop() error {
	return nil
}

// WriteTo does nothing.
func WriteTo(_ Profile, _ io.Writer, _ int) error {
	return nil
}
