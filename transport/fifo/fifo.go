package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// Header size for frames.
const headerSize = 2 // length (2)

// pollInterval bounds each blocking read or write so cancellation is noticed.
const pollInterval = 100 * time.Millisecond

// FIFO name suffixes.
const (
	suffixToFirmware = ".to_fw"
	suffixToHost     = ".to_host"
)

// Role selects which end of each FIFO pair a transport uses.
type Role uint8

// Transport roles.
const (
	RoleFirmware Role = iota // Reads .to_fw, writes .to_host
	RoleHost                 // Reads .to_host, writes .to_fw
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleFirmware:
		return "firmware"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// Transport implements transport.Transport using named pipes.
type Transport struct {
	dir        string
	role       Role
	maxPayload int

	mutex    sync.Mutex
	channels []*Channel
	paths    []string
	closed   bool
}

// New creates a FIFO transport rooted at dir.
func New(dir string, role Role) *Transport {
	return &Transport{
		dir:        dir,
		role:       role,
		maxPayload: transport.IPCMaxPayload,
	}
}

// SetMaxPayload overrides the largest delivery accepted by channels opened
// after the call.
func (t *Transport) SetMaxPayload(n int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if n > 0 {
		t.maxPayload = n
	}
}

// Dir returns the link directory.
func (t *Transport) Dir() string {
	return t.dir
}

// Path returns the FIFO path prefix used for peer and protocol.
func (t *Transport) Path(peer transport.Peer, protocol transport.Protocol) string {
	return filepath.Join(t.dir, peer.String()+"-"+protocol.String())
}

// Open creates (if needed) and opens the FIFO pair for peer and protocol.
func (t *Transport) Open(ctx context.Context, peer transport.Peer, protocol transport.Protocol) (transport.Channel, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create link dir: %w", err)
	}

	base := t.Path(peer, protocol)
	toFirmware := base + suffixToFirmware
	toHost := base + suffixToHost

	for _, path := range []string{toFirmware, toHost} {
		if err := createFIFO(path); err != nil {
			return nil, err
		}
	}

	readPath, writePath := toFirmware, toHost
	if t.role == RoleHost {
		readPath, writePath = toHost, toFirmware
	}

	// O_RDWR keeps open from blocking until the other side arrives
	r, err := os.OpenFile(readPath, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(readPath), err)
	}
	w, err := os.OpenFile(writePath, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open %s: %w", filepath.Base(writePath), err)
	}

	ch := &Channel{
		r:          r,
		w:          w,
		maxPayload: t.maxPayload,
		closeCh:    make(chan struct{}),
	}
	t.channels = append(t.channels, ch)
	t.paths = append(t.paths, toFirmware, toHost)

	pkg.LogInfo(pkg.ComponentTransport, "fifo channel opened",
		"role", t.role.String(),
		"peer", peer.String(),
		"protocol", protocol.String(),
		"path", base)

	return ch, nil
}

// Close closes every channel opened by the transport. The firmware side also
// removes the FIFO files.
func (t *Transport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for _, ch := range t.channels {
		ch.Close()
	}
	t.channels = nil

	if t.role == RoleFirmware {
		for _, path := range t.paths {
			os.Remove(path)
		}
	}
	t.paths = nil

	pkg.LogInfo(pkg.ComponentTransport, "fifo transport closed", "role", t.role.String())
	return nil
}

// createFIFO creates a named pipe unless one already exists at path.
func createFIFO(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.Mode()&os.ModeNamedPipe != 0 {
			return nil
		}
		os.Remove(path)
	}
	if err := unix.Mkfifo(path, 0o666); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Channel is one open FIFO pair.
type Channel struct {
	r          *os.File
	w          *os.File
	maxPayload int

	readMutex  sync.Mutex
	writeMutex sync.Mutex

	closeCh   chan struct{}
	closeOnce sync.Once

	readBuf  [headerSize]byte
	writeBuf []byte
}

// Read reads one framed delivery into buf. Bytes beyond len(buf) are
// discarded.
func (c *Channel) Read(ctx context.Context, buf []byte) (int, error) {
	c.readMutex.Lock()
	defer c.readMutex.Unlock()

	header := c.readBuf[:]
	if _, err := c.readFull(ctx, header); err != nil {
		return 0, err
	}
	size := int(binary.LittleEndian.Uint16(header))
	if size > c.maxPayload {
		// Drain the payload so the next Read starts on a frame header.
		if _, err := c.readFull(ctx, make([]byte, size)); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: frame of %d bytes", pkg.ErrMalformedFragment, size)
	}

	payload := make([]byte, size)
	if _, err := c.readFull(ctx, payload); err != nil {
		return 0, err
	}
	return copy(buf, payload), nil
}

// Write sends data as one framed delivery.
func (c *Channel) Write(ctx context.Context, data []byte) (int, error) {
	n, _, err := c.WriteTimestamp(ctx, data)
	return n, err
}

// WriteTimestamp sends data and reports when the frame entered the pipe.
func (c *Channel) WriteTimestamp(ctx context.Context, data []byte) (int, time.Time, error) {
	if len(data) > c.maxPayload {
		return 0, time.Time{}, pkg.ErrMessageTooLarge
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if cap(c.writeBuf) < headerSize+len(data) {
		c.writeBuf = make([]byte, headerSize+c.maxPayload)
	}
	frame := c.writeBuf[:headerSize+len(data)]
	binary.LittleEndian.PutUint16(frame[:headerSize], uint16(len(data)))
	copy(frame[headerSize:], data)

	for {
		select {
		case <-ctx.Done():
			return 0, time.Time{}, ctx.Err()
		case <-c.closeCh:
			return 0, time.Time{}, pkg.ErrClosed
		default:
		}

		c.w.SetWriteDeadline(time.Now().Add(pollInterval))
		_, err := c.w.Write(frame)
		if err == nil {
			return len(data), time.Now(), nil
		}
		if os.IsTimeout(err) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if errors.Is(err, os.ErrClosed) {
			return 0, time.Time{}, pkg.ErrClosed
		}
		return 0, time.Time{}, err
	}
}

// MaxPayload returns the largest delivery the channel accepts.
func (c *Channel) MaxPayload() int {
	return c.maxPayload
}

// Close closes both FIFOs. Blocked reads return pkg.ErrClosed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.r.Close()
		c.w.Close()
	})
	return nil
}

// readFull reads exactly len(buf) bytes with context cancellation support.
func (c *Channel) readFull(ctx context.Context, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-c.closeCh:
			return total, pkg.ErrClosed
		default:
		}

		c.r.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := c.r.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return total, pkg.ErrClosed
			}
			return total, err
		}
	}
	return total, nil
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.Channel         = (*Channel)(nil)
	_ transport.TimestampWriter = (*Channel)(nil)
)
