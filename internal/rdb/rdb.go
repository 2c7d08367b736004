// Package rdb implements the RDB-style snapshot codec of §4.C: a
// compact binary encoding of the keyspace with CRC-64 checksumming and
// LZF-compressed string values. Grounded on the teacher's rdb.Writer/
// rdb.Reader for the opcode/length-encoding layout, generalized to the
// full length-encoding table (including the special int8/16/32/LZF
// sub-formats) and to the Redis-compatible CRC-64 polynomial (see
// crc64.go).
package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"goredis-core/internal/rediserr"
	"goredis-core/internal/storage"
)

const (
	Magic = "REDIS"

	opAux          = 0xFA
	opResizeDB     = 0xFB
	opExpireTimeMS = 0xFC
	opExpireTime   = 0xFD
	opSelectDB     = 0xFE
	opEOF          = 0xFF

	TypeString = 0

	lenFmt6Bit  = 0
	lenFmt14Bit = 1
	lenFmt32Bit = 2
	lenFmtSpec  = 3

	specInt8  = 0
	specInt16 = 1
	specInt32 = 2
	specLZF   = 3
)

// ErrUnsupportedRdbType is returned when the reader encounters a
// non-string value type (list/set/zset/hash and their compact
// encodings, types 1-14); CORE scope only decodes strings.
var ErrUnsupportedRdbType = fmt.Errorf("rdb: unsupported value type")

// Writer saves store snapshots to an RDB-format file.
type Writer struct {
	Path           string
	Version        uint32
	EnableChecksum bool
}

func NewWriter(path string, version uint32, enableChecksum bool) *Writer {
	return &Writer{Path: path, Version: version, EnableChecksum: enableChecksum}
}

// crcWriter wraps an io.Writer, accumulating a running Redis-compatible
// CRC-64 over every byte written through it.
type crcWriter struct {
	w   io.Writer
	crc uint64
}

func (c *crcWriter) Write(p []byte) (int, error) {
	c.crc = CRC64(c.crc, p)
	return c.w.Write(p)
}

// Save iterates snapshot (already a point-in-time clone per §3.3's
// ownership model — the caller must pass Store.Snapshot(), never the
// live map) and atomically replaces Path with the encoded result.
// Entries whose expiry has already passed are skipped.
func (w *Writer) Save(snapshot map[string]*storage.Object[storage.Str]) error {
	tmpPath := w.Path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: create temp rdb: %v", rediserr.ErrPersistence, err)
	}

	bw := bufio.NewWriter(f)
	cw := &crcWriter{w: bw}

	w.writeHeader(cw)

	cw.Write([]byte{opSelectDB})
	writeLength(cw, 0)

	cw.Write([]byte{opResizeDB})
	writeLength(cw, uint64(len(snapshot)))
	expiresCount := 0
	for _, obj := range snapshot {
		if obj.Expire != nil {
			expiresCount++
		}
	}
	writeLength(cw, uint64(expiresCount))

	now := time.Now()
	for key, obj := range snapshot {
		if obj.Expire != nil && obj.Expire.Before(now) {
			continue
		}
		writeEntry(cw, key, obj)
	}

	cw.Write([]byte{opEOF})

	var checksum uint64
	if w.EnableChecksum {
		checksum = cw.crc
	}
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], checksum)
	bw.Write(tail[:])

	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: flush rdb: %v", rediserr.ErrPersistence, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: sync rdb: %v", rediserr.ErrPersistence, err)
	}
	f.Close()

	if err := os.Rename(tmpPath, w.Path); err != nil {
		return fmt.Errorf("%w: replace rdb: %v", rediserr.ErrPersistence, err)
	}
	return nil
}

func (w *Writer) writeHeader(cw *crcWriter) {
	cw.Write([]byte(Magic))
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], w.Version)
	cw.Write(ver[:])
}

func writeEntry(w io.Writer, key string, obj *storage.Object[storage.Str]) {
	if obj.Expire != nil {
		w.Write([]byte{opExpireTimeMS})
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(obj.Expire.UnixMilli()))
		w.Write(buf[:])
	}

	w.Write([]byte{TypeString})
	writeString(w, []byte(key))
	writeStrValue(w, obj.Value)
}

func writeString(w io.Writer, b []byte) {
	writeLength(w, uint64(len(b)))
	w.Write(b)
}

func writeStrValue(w io.Writer, s storage.Str) {
	if s.Encoding == storage.EncodingInt {
		n := s.Int
		switch {
		case n >= -128 && n <= 127:
			w.Write([]byte{0xC0 | specInt8, byte(int8(n))})
			return
		case n >= -32768 && n <= 32767:
			w.Write([]byte{0xC0 | specInt16})
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(int16(n)))
			w.Write(buf[:])
			return
		case n >= -2147483648 && n <= 2147483647:
			w.Write([]byte{0xC0 | specInt32})
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(int32(n)))
			w.Write(buf[:])
			return
		}
	}

	raw := s.Bytes()
	compressed := LZFCompress(raw)
	if len(compressed) > 0 && len(compressed) < len(raw) {
		w.Write([]byte{0xC0 | specLZF})
		writeLength(w, uint64(len(compressed)))
		writeLength(w, uint64(len(raw)))
		w.Write(compressed)
		return
	}
	writeString(w, raw)
}

func writeLength(w io.Writer, n uint64) {
	switch {
	case n < 1<<6:
		w.Write([]byte{byte(n)})
	case n < 1<<14:
		w.Write([]byte{byte(0x40 | (n >> 8)), byte(n & 0xFF)})
	default:
		w.Write([]byte{0x80})
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(n))
		w.Write(buf[:])
	}
}
