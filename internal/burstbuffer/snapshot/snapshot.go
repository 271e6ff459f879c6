// Package snapshot encodes burst buffer state and configuration in the binary form consumed by
// status tooling. All integers are little-endian; strings are a uint32 length followed by the raw
// bytes; timestamps are int64 unix seconds with the zero time written as 0.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
)

var byteOrder = binary.LittleEndian

// NoLimit is written in place of an absent size limit.
const NoLimit = size.NoLimitPacked

// Longest string accepted when decoding, to bound allocations on corrupt input.
const maxStringLength = 1 << 20

type encoder struct {
	w   *bufio.Writer
	err error
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: bufio.NewWriter(w)}
}

func (e *encoder) write(v any) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, byteOrder, v)
}

func (e *encoder) writeString(s string) {
	e.write(uint32(len(s)))
	if e.err != nil {
		return
	}
	_, e.err = e.w.WriteString(s)
}

func (e *encoder) writeTime(t time.Time) {
	if t.IsZero() {
		e.write(int64(0))
		return
	}
	e.write(t.Unix())
}

func (e *encoder) flush() error {
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(v any) {
	if d.err != nil {
		return
	}
	d.err = binary.Read(d.r, byteOrder, v)
}

func (d *decoder) readUint32() uint32 {
	var v uint32
	d.read(&v)
	return v
}

func (d *decoder) readString() string {
	length := d.readUint32()
	if d.err != nil {
		return ""
	}
	if length > maxStringLength {
		d.err = errors.Errorf("string of length %d exceeds maximum of %d", length, maxStringLength)
		return ""
	}
	buf := make([]byte, length)
	_, d.err = io.ReadFull(d.r, buf)
	return string(buf)
}

func (d *decoder) readTime() time.Time {
	var secs int64
	d.read(&secs)
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// EncodeAllocation writes the persisted fields of a single allocation.
func EncodeAllocation(w io.Writer, a *store.Allocation) error {
	e := newEncoder(w)
	encodeAllocation(e, a)
	return errors.WithStack(e.flush())
}

func encodeAllocation(e *encoder, a *store.Allocation) {
	e.write(a.ArrayJobId)
	e.write(a.ArrayTaskId)
	e.write(a.JobId)
	e.writeString(a.Name)
	e.write(a.Size.Pack())
	e.write(uint16(a.State))
	e.writeTime(a.StateTime)
	e.write(a.UserId)
}

// DecodeAllocation reads an allocation written by EncodeAllocation.
func DecodeAllocation(r io.Reader) (*store.Allocation, error) {
	d := &decoder{r: r}
	a := decodeAllocation(d)
	if d.err != nil {
		return nil, errors.Wrap(d.err, "error decoding burst buffer allocation")
	}
	return a, nil
}

func decodeAllocation(d *decoder) *store.Allocation {
	a := &store.Allocation{}
	d.read(&a.ArrayJobId)
	d.read(&a.ArrayTaskId)
	d.read(&a.JobId)
	a.Name = d.readString()
	a.Size = size.Unpack(d.readUint32())
	var state uint16
	d.read(&state)
	a.State = lifecycle.State(state)
	a.StateTime = d.readTime()
	d.read(&a.UserId)
	if d.err == nil && a.State > lifecycle.Failed {
		d.err = errors.Errorf("invalid burst buffer state %d", state)
	}
	return a
}

// EncodeState writes a count followed by each allocation.
func EncodeState(w io.Writer, allocations []*store.Allocation) error {
	e := newEncoder(w)
	e.write(uint32(len(allocations)))
	for _, a := range allocations {
		encodeAllocation(e, a)
	}
	return errors.WithStack(e.flush())
}

// DecodeState reads allocations written by EncodeState.
func DecodeState(r io.Reader) ([]*store.Allocation, error) {
	d := &decoder{r: bufio.NewReader(r)}
	count := d.readUint32()
	if d.err != nil {
		return nil, errors.Wrap(d.err, "error decoding burst buffer count")
	}
	allocations := make([]*store.Allocation, 0, minInt(int(count), 1024))
	for i := uint32(0); i < count; i++ {
		a := decodeAllocation(d)
		if d.err != nil {
			return nil, errors.Wrapf(d.err, "error decoding burst buffer %d of %d", i+1, count)
		}
		allocations = append(allocations, a)
	}
	return allocations, nil
}

// EncodeConfig writes the configuration strings followed by its numeric settings.
func EncodeConfig(w io.Writer, c *bbconfig.Config) error {
	e := newEncoder(w)
	e.writeString(c.AllowUsersStr)
	e.writeString(c.DenyUsersStr)
	e.writeString(c.GetSysState)
	e.writeString(c.StartStageIn)
	e.writeString(c.StartStageOut)
	e.writeString(c.StopStageIn)
	e.writeString(c.StopStageOut)
	e.write(packLimit(c.JobSizeLimit))
	e.write(c.PrioBoostAlloc)
	e.write(c.PrioBoostUse)
	e.write(c.StageInTimeout)
	e.write(c.StageOutTimeout)
	e.write(packLimit(c.UserSizeLimit))
	return errors.WithStack(e.flush())
}

// DecodeConfig reads a configuration written by EncodeConfig. User lists are returned only in
// their textual form.
func DecodeConfig(r io.Reader) (*bbconfig.Config, error) {
	d := &decoder{r: r}
	c := bbconfig.Default()
	c.AllowUsersStr = d.readString()
	c.DenyUsersStr = d.readString()
	c.GetSysState = d.readString()
	c.StartStageIn = d.readString()
	c.StartStageOut = d.readString()
	c.StopStageIn = d.readString()
	c.StopStageOut = d.readString()
	c.JobSizeLimit = unpackLimit(d.readUint32())
	d.read(&c.PrioBoostAlloc)
	d.read(&c.PrioBoostUse)
	d.read(&c.StageInTimeout)
	d.read(&c.StageOutTimeout)
	c.UserSizeLimit = unpackLimit(d.readUint32())
	if d.err != nil {
		return nil, errors.Wrap(d.err, "error decoding burst buffer configuration")
	}
	return c, nil
}

func packLimit(limit *size.Size) uint32 {
	if limit == nil {
		return NoLimit
	}
	return size.AsLimit(*limit).Pack()
}

func unpackLimit(raw uint32) *size.Size {
	if raw == NoLimit {
		return nil
	}
	limit := size.Unpack(raw)
	return &limit
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
