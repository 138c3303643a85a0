package credbundle

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Container field names, used in FieldError and log output.
const (
	fieldCertificate = "certificate"
	fieldKeyArchive  = "keyArchive"
	fieldEntitlement = "entitlementDocument"
	fieldSignature   = "signature"
)

// chunkHeaderSize is the size of a chunk's u32be length prefix.
const chunkHeaderSize = 4

// appendUint32 appends v as 4 big-endian bytes.
func appendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// appendChunk appends a length-prefixed chunk: u32be len(b) | b
func appendChunk(dst, b []byte) ([]byte, error) {
	if uint64(len(b)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(b))
	}
	dst = appendUint32(dst, uint32(len(b)))
	return append(dst, b...), nil
}

// chunkReader is a cursor over a container buffer. Returned slices alias
// the buffer; callers copy before handing them out.
type chunkReader struct {
	buf []byte
	off int
}

func newChunkReader(buf []byte, off int) *chunkReader {
	return &chunkReader{buf: buf, off: off}
}

func (r *chunkReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *chunkReader) readUint32(field string) (uint32, error) {
	if r.remaining() < chunkHeaderSize {
		return 0, fmt.Errorf("%w: need 4 length bytes for %s at offset %d, have %d",
			ErrTruncatedInput, field, r.off, r.remaining())
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += chunkHeaderSize
	return v, nil
}

func (r *chunkReader) readN(field string, n uint32) ([]byte, error) {
	if uint64(r.remaining()) < uint64(n) {
		return nil, fmt.Errorf("%w: %s declares %d bytes at offset %d, have %d",
			ErrTruncatedInput, field, n, r.off, r.remaining())
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// readChunk reads one u32be length-prefixed chunk.
func (r *chunkReader) readChunk(field string) ([]byte, error) {
	n, err := r.readUint32(field)
	if err != nil {
		return nil, err
	}
	return r.readN(field, n)
}

// readSealed reads the encrypted-variant triple:
// u32be plaintextLen | u32be cipherLen | cipherBytes
func (r *chunkReader) readSealed(field string) (plainLen uint32, sealed []byte, err error) {
	if plainLen, err = r.readUint32(field); err != nil {
		return 0, nil, err
	}
	if sealed, err = r.readChunk(field); err != nil {
		return 0, nil, err
	}
	return plainLen, sealed, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
