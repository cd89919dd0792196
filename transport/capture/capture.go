// Package capture records the deliveries crossing a transport.
//
// Wrap decorates any transport.Transport so every delivery read from or
// written to its channels is appended to a writer as a CBOR record. The
// records can be replayed with [Reader], for example by the dump example.
// Capture failures are logged and never affect the traffic itself.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// Direction is the direction of a captured delivery, relative to the side
// that owns the wrapped transport.
type Direction string

// Capture directions.
const (
	DirectionRx Direction = "rx"
	DirectionTx Direction = "tx"
)

// Record is one captured delivery.
type Record struct {
	Time     time.Time          `cbor:"t"`
	Dir      Direction          `cbor:"dir"`
	Peer     transport.Peer     `cbor:"peer"`
	Protocol transport.Protocol `cbor:"proto"`
	Data     []byte             `cbor:"data"`
}

func encMode() (cbor.EncMode, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	return opts.EncMode()
}

// Writer appends records to an io.Writer. It is safe for concurrent use.
type Writer struct {
	mutex sync.Mutex
	enc   *cbor.Encoder
	count int
}

// NewWriter returns a Writer encoding to w.
func NewWriter(w io.Writer) (*Writer, error) {
	em, err := encMode()
	if err != nil {
		return nil, fmt.Errorf("capture enc mode: %w", err)
	}
	return &Writer{enc: em.NewEncoder(w)}, nil
}

// Write appends rec.
func (w *Writer) Write(rec Record) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.count
}

// Reader decodes records written by [Writer].
type Reader struct {
	dec *cbor.Decoder
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("decode capture record: %w", err)
	}
	return rec, nil
}

// Transport wraps another transport and captures its channels.
type Transport struct {
	inner transport.Transport
	w     *Writer
}

// Wrap returns a transport that records every delivery of inner to w.
func Wrap(inner transport.Transport, w io.Writer) (*Transport, error) {
	cw, err := NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &Transport{inner: inner, w: cw}, nil
}

// Writer returns the record writer shared by all wrapped channels.
func (t *Transport) Writer() *Writer {
	return t.w
}

// Open opens a channel on the wrapped transport and captures it.
func (t *Transport) Open(ctx context.Context, peer transport.Peer, protocol transport.Protocol) (transport.Channel, error) {
	ch, err := t.inner.Open(ctx, peer, protocol)
	if err != nil {
		return nil, err
	}
	return &channel{inner: ch, w: t.w, peer: peer, protocol: protocol}, nil
}

type channel struct {
	inner    transport.Channel
	w        *Writer
	peer     transport.Peer
	protocol transport.Protocol
}

func (c *channel) record(dir Direction, ts time.Time, data []byte) {
	rec := Record{
		Time:     ts,
		Dir:      dir,
		Peer:     c.peer,
		Protocol: c.protocol,
		Data:     append([]byte(nil), data...),
	}
	if err := c.w.Write(rec); err != nil {
		pkg.LogWarn(pkg.ComponentCapture, "capture write failed", "error", err)
	}
}

func (c *channel) Read(ctx context.Context, buf []byte) (int, error) {
	n, err := c.inner.Read(ctx, buf)
	if err == nil {
		c.record(DirectionRx, time.Now(), buf[:n])
	}
	return n, err
}

func (c *channel) Write(ctx context.Context, data []byte) (int, error) {
	n, _, err := c.WriteTimestamp(ctx, data)
	return n, err
}

func (c *channel) WriteTimestamp(ctx context.Context, data []byte) (int, time.Time, error) {
	n, ts, err := transport.WriteTimestamp(ctx, c.inner, data)
	if err == nil {
		c.record(DirectionTx, ts, data[:n])
	}
	return n, ts, err
}

func (c *channel) MaxPayload() int {
	return c.inner.MaxPayload()
}

func (c *channel) Close() error {
	return c.inner.Close()
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.Channel         = (*channel)(nil)
	_ transport.TimestampWriter = (*channel)(nil)
)
