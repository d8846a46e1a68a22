// Package wire implements the binary framing of the cache transaction
// protocol: request and response headers, Xids, modifications and the
// opcode/status tables for every supported protocol version.
//
// Writers never grow their buffer. Callers size a buffer with the matching
// *Size function first and then write into it; a write past the end is
// reported as ErrBufferOverflow and a short write as ErrSizeMismatch. Readers
// turn truncated or malformed input into *DecodeError.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxRangedLength bounds any length-prefixed field accepted by a Reader.
const MaxRangedLength = 64 << 20

var (
	// ErrBufferOverflow reports a write past the pre-computed buffer size.
	ErrBufferOverflow = errors.New("wire: buffer overflow")
	// ErrSizeMismatch reports an encoding shorter than its size estimate.
	ErrSizeMismatch = errors.New("wire: encoded size does not match estimate")
	// ErrUnsupportedVersion reports a protocol version missing from the table.
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
)

// DecodeError reports malformed or truncated input. It is never retryable.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "wire: decode error"
	}
	if e.Err == nil {
		return fmt.Sprintf("wire: decode %s", e.Field)
	}
	return fmt.Sprintf("wire: decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func decodeErr(field string, err error) error {
	if err == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &DecodeError{Field: field, Err: err}
}

// VIntSize returns the encoded size of an unsigned variable-length int.
func VIntSize(v uint32) int { return VLongSize(uint64(v)) }

// VLongSize returns the encoded size of an unsigned variable-length long.
func VLongSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// RangedSize returns the encoded size of a length-prefixed byte string.
func RangedSize(n int) int { return VIntSize(uint32(n)) + n }

// ZigZag32 maps a signed int to the unsigned form used by SignedVInt fields.
func ZigZag32(v int32) uint32 { return uint32((v << 1) ^ (v >> 31)) }

// UnZigZag32 reverses ZigZag32.
func UnZigZag32(u uint32) int32 { return int32(u>>1) ^ -int32(u&1) }

// Writer fills a fixed-size buffer. Errors are sticky.
type Writer struct {
	buf []byte
	n   int
	err error
}

// NewWriter allocates a Writer with exactly size bytes of capacity.
func NewWriter(size int) *Writer {
	if size < 0 {
		size = 0
	}
	return &Writer{buf: make([]byte, size)}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.n }

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

// Bytes returns the written bytes, or an error when the encoding overflowed
// or fell short of the buffer size.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.n != len(w.buf) {
		return nil, fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, w.n, len(w.buf))
	}
	return w.buf, nil
}

func (w *Writer) reserve(n int) []byte {
	if w.err != nil {
		return nil
	}
	if n > len(w.buf)-w.n {
		w.err = fmt.Errorf("%w: need %d bytes, %d left", ErrBufferOverflow, n, len(w.buf)-w.n)
		return nil
	}
	b := w.buf[w.n : w.n+n]
	w.n += n
	return b
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	if dst := w.reserve(1); dst != nil {
		dst[0] = b
	}
}

// Bool writes 1 or 0.
func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
		return
	}
	w.Byte(0)
}

// VInt writes an unsigned variable-length int.
func (w *Writer) VInt(v uint32) { w.VLong(uint64(v)) }

// VLong writes an unsigned variable-length long.
func (w *Writer) VLong(v uint64) {
	if dst := w.reserve(VLongSize(v)); dst != nil {
		binary.PutUvarint(dst, v)
	}
}

// SignedVInt writes a zig-zag encoded signed variable-length int.
func (w *Writer) SignedVInt(v int32) { w.VInt(ZigZag32(v)) }

// Int32 writes a big-endian int32.
func (w *Writer) Int32(v int32) {
	if dst := w.reserve(4); dst != nil {
		binary.BigEndian.PutUint32(dst, uint32(v))
	}
}

// Int64 writes a big-endian int64.
func (w *Writer) Int64(v int64) {
	if dst := w.reserve(8); dst != nil {
		binary.BigEndian.PutUint64(dst, uint64(v))
	}
}

// Uint16 writes a big-endian uint16.
func (w *Writer) Uint16(v uint16) {
	if dst := w.reserve(2); dst != nil {
		binary.BigEndian.PutUint16(dst, v)
	}
}

// Raw writes b verbatim.
func (w *Writer) Raw(b []byte) {
	if dst := w.reserve(len(b)); dst != nil {
		copy(dst, b)
	}
}

// Ranged writes a var-int length followed by b.
func (w *Writer) Ranged(b []byte) {
	w.VInt(uint32(len(b)))
	w.Raw(b)
}

// String writes a ranged UTF-8 string.
func (w *Writer) String(s string) {
	w.VInt(uint32(len(s)))
	if dst := w.reserve(len(s)); dst != nil {
		copy(dst, s)
	}
}

// Source is the byte stream consumed by a Reader. *bufio.Reader and
// *bytes.Reader both satisfy it.
type Source interface {
	io.Reader
	io.ByteReader
}

// Reader decodes protocol fields from a Source.
type Reader struct {
	src Source
}

// NewReader wraps src.
func NewReader(src Source) *Reader { return &Reader{src: src} }

// Byte reads one byte.
func (r *Reader) Byte(field string) (byte, error) {
	b, err := r.src.ReadByte()
	if err != nil {
		return 0, decodeErr(field, err)
	}
	return b, nil
}

// Bool reads a one-byte boolean.
func (r *Reader) Bool(field string) (bool, error) {
	b, err := r.Byte(field)
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &DecodeError{Field: field, Err: fmt.Errorf("invalid boolean 0x%02x", b)}
	}
}

// VLong reads an unsigned variable-length long.
func (r *Reader) VLong(field string) (uint64, error) {
	v, err := binary.ReadUvarint(r.src)
	if err != nil {
		return 0, decodeErr(field, err)
	}
	return v, nil
}

// VInt reads an unsigned variable-length int.
func (r *Reader) VInt(field string) (uint32, error) {
	v, err := r.VLong(field)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, &DecodeError{Field: field, Err: fmt.Errorf("varint %d overflows uint32", v)}
	}
	return uint32(v), nil
}

// SignedVInt reads a zig-zag encoded signed variable-length int.
func (r *Reader) SignedVInt(field string) (int32, error) {
	u, err := r.VInt(field)
	if err != nil {
		return 0, err
	}
	return UnZigZag32(u), nil
}

func (r *Reader) full(field string, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return nil, decodeErr(field, err)
	}
	return buf, nil
}

// Int32 reads a big-endian int32.
func (r *Reader) Int32(field string) (int32, error) {
	b, err := r.full(field, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Int64 reads a big-endian int64.
func (r *Reader) Int64(field string) (int64, error) {
	b, err := r.full(field, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// Uint16 reads a big-endian uint16.
func (r *Reader) Uint16(field string) (uint16, error) {
	b, err := r.full(field, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Ranged reads a var-int length followed by that many bytes.
func (r *Reader) Ranged(field string) ([]byte, error) {
	n, err := r.VInt(field)
	if err != nil {
		return nil, err
	}
	if n > MaxRangedLength {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("length %d exceeds limit", n)}
	}
	if n == 0 {
		return []byte{}, nil
	}
	return r.full(field, int(n))
}

// String reads a ranged UTF-8 string.
func (r *Reader) String(field string) (string, error) {
	b, err := r.Ranged(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
