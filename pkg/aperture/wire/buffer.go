package wire

import (
	"bytes"
)

// Writer is a small chainable binary writer shared by pkg/aperture/rpc's
// message types; it uses the same big-endian, length-prefixed-string
// layout as EncodeBatch.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Uint32(v uint32) *Writer {
	writeUint32(&w.buf, v)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	writeUint64(&w.buf, v)
	return w
}

func (w *Writer) Int64(v int64) *Writer {
	writeInt64(&w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	writeBool(&w.buf, v)
	return w
}

func (w *Writer) String(s string) *Writer {
	writeString(&w.buf, s)
	return w
}

// Bytes writes a length-prefixed byte slice, using the same u32-length
// prefix as String.
func (w *Writer) Bytes(b []byte) *Writer {
	writeUint32(&w.buf, uint32(len(b)))
	w.buf.Write(b)
	return w
}

// Finish returns the accumulated buffer.
func (w *Writer) Finish() []byte { return w.buf.Bytes() }

// Reader is the decode-side counterpart of Writer. It accumulates the
// first error encountered and turns every subsequent read into a no-op
// zero value, so callers can chain reads and check Err() once at the end.
type Reader struct {
	r   *bytes.Reader
	err error
}

// NewReader wraps payload for sequential field reads.
func NewReader(payload []byte) *Reader {
	return &Reader{r: bytes.NewReader(payload)}
}

// Err returns the first error encountered by any read, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) Uint32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := readUint32(r.r)
	if err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := readUint64(r.r)
	if err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *Reader) Int64() int64 {
	if r.err != nil {
		return 0
	}
	v, err := readInt64(r.r)
	if err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	v, err := readBool(r.r)
	if err != nil {
		r.err = err
		return false
	}
	return v
}

func (r *Reader) String() string {
	if r.err != nil {
		return ""
	}
	v, err := readString(r.r)
	if err != nil {
		r.err = err
		return ""
	}
	return v
}

// Bytes reads a length-prefixed byte slice written by Writer.Bytes.
func (r *Reader) Bytes() []byte {
	if r.err != nil {
		return nil
	}
	n, err := readUint32(r.r)
	if err != nil {
		r.err = err
		return nil
	}
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := readFull(r.r, buf); err != nil {
		r.err = err
		return nil
	}
	return buf
}
