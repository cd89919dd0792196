package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
	"github.com/ardnew/softheci/transport/capture"
	"github.com/ardnew/softheci/transport/fifo"
)

// closers closes a list of resources in reverse order.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenTransport builds the fifo transport for role, wrapped in a capture
// recorder when capture is enabled. The returned closer releases the
// transport and the capture file.
//
// The mem kind has no second process to talk to and is rejected; build a
// [github.com/ardnew/softheci/transport/mem] pipe directly instead.
func (c *Config) OpenTransport(role fifo.Role) (transport.Transport, io.Closer, error) {
	if c.Transport.Kind != TransportFIFO {
		return nil, nil, fmt.Errorf("%w: transport kind %q cannot be opened by role",
			pkg.ErrInvalidParameter, c.Transport.Kind)
	}

	ft := fifo.New(c.Transport.Dir, role)
	ft.SetMaxPayload(c.Transport.MaxPayload)

	tr, cs, err := c.wrapCapture(ft)
	if err != nil {
		return nil, nil, err
	}
	return tr, append(closers{ft}, cs...), nil
}

// WrapCapture wraps tr in a capture recorder when capture is enabled.
// Otherwise tr is returned unchanged.
func (c *Config) WrapCapture(tr transport.Transport) (transport.Transport, io.Closer, error) {
	tr, cs, err := c.wrapCapture(tr)
	if err != nil {
		return nil, nil, err
	}
	return tr, cs, nil
}

func (c *Config) wrapCapture(tr transport.Transport) (transport.Transport, closers, error) {
	if !c.Capture.Enable {
		return tr, nil, nil
	}

	if dir := filepath.Dir(c.Capture.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create capture dir: %w", err)
		}
	}
	f, err := os.Create(c.Capture.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("create capture file: %w", err)
	}

	wrapped, err := capture.Wrap(tr, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	pkg.LogInfo(pkg.ComponentConfig, "capturing transport traffic", "path", c.Capture.Path)
	return wrapped, closers{f}, nil
}
