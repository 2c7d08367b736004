package rdb

import "fmt"

// LZF compression for RDB string values, per §4.C. Grounded on the
// control-byte layout of upstash-rdb's decompressLZ77 (same FastLZ-1/
// classic-LZF family the real Redis RDB format uses): a control byte's
// top 3 bits select literal run (0), short back-reference (1-6), or
// long back-reference (7); the low 5 bits feed into either the literal
// run length or the high bits of a back-reference offset.
const (
	lzfWindow       = 3 // minimum match length considered
	lzfMaxLiteral   = 31
	lzfMaxShortLen  = 8   // top3 in [1,6] -> length = top3+2, max 8
	lzfMaxLongLen   = 264 // 9 + 255
	lzfMaxOffset    = 8192
	lzfHashBits     = 14
	lzfHashTableLen = 1 << lzfHashBits
)

// LZFCompress compresses src using a greedy hash-chained matcher. It
// never fails: if no back-references are found the output degrades to
// literal runs only (still valid input to LZFDecompress).
func LZFCompress(src []byte) []byte {
	var out []byte
	n := len(src)
	if n == 0 {
		return out
	}

	htab := make([]int, lzfHashTableLen)
	for i := range htab {
		htab[i] = -1
	}

	hashAt := func(i int) uint32 {
		// A simple rolling 3-byte hash, good enough for a greedy matcher.
		h := uint32(src[i])<<16 | uint32(src[i+1])<<8 | uint32(src[i+2])
		h *= 2654435761
		return h >> (32 - lzfHashBits)
	}

	i := 0
	litStart := 0
	flushLiterals := func(end int) {
		for litStart < end {
			run := end - litStart
			if run > lzfMaxLiteral+1 {
				run = lzfMaxLiteral + 1
			}
			out = append(out, byte(run-1))
			out = append(out, src[litStart:litStart+run]...)
			litStart += run
		}
	}

	for i+lzfWindow <= n {
		h := hashAt(i)
		cand := htab[h]
		htab[h] = i

		matchLen := 0
		if cand >= 0 && i-cand <= lzfMaxOffset {
			maxLen := n - i
			if maxLen > lzfMaxLongLen {
				maxLen = lzfMaxLongLen
			}
			for matchLen < maxLen && src[cand+matchLen] == src[i+matchLen] {
				matchLen++
			}
		}

		if matchLen >= lzfWindow {
			flushLiterals(i)
			offset := i - cand - 1
			if matchLen <= lzfMaxShortLen {
				ctl := byte((matchLen-2)<<5) | byte(offset>>8)
				out = append(out, ctl, byte(offset&0xFF))
			} else {
				extra := matchLen - 9
				ctl := byte(7<<5) | byte(offset>>8)
				out = append(out, ctl, byte(extra), byte(offset&0xFF))
			}
			i += matchLen
			litStart = i
		} else {
			i++
		}
	}
	flushLiterals(n)
	return out
}

// LZFDecompress reverses LZFCompress, expecting the decompressed output
// to be exactly dstLen bytes. Overlapping back-references (offset <
// length) are handled by copying byte-by-byte from the growing output,
// which is required to correctly produce repeating patterns.
func LZFDecompress(src []byte, dstLen int) ([]byte, error) {
	out := make([]byte, 0, dstLen)
	i := 0
	n := len(src)

	for i < n {
		ctl := src[i]
		i++

		if ctl < 32 {
			run := int(ctl) + 1
			if i+run > n {
				return nil, fmt.Errorf("rdb: corrupt lzf literal run")
			}
			out = append(out, src[i:i+run]...)
			i += run
			continue
		}

		top3 := ctl >> 5
		var length int
		if top3 == 7 {
			if i >= n {
				return nil, fmt.Errorf("rdb: corrupt lzf long match length")
			}
			length = 9 + int(src[i])
			i++
		} else {
			length = int(top3) + 2
		}

		if i >= n {
			return nil, fmt.Errorf("rdb: corrupt lzf match offset")
		}
		offset := (int(ctl&0x1F) << 8) | int(src[i])
		i++
		offset++

		start := len(out) - offset
		if start < 0 {
			return nil, fmt.Errorf("rdb: corrupt lzf back-reference")
		}
		for k := 0; k < length; k++ {
			out = append(out, out[start+k])
		}
	}

	if len(out) != dstLen {
		return nil, fmt.Errorf("rdb: lzf decompressed length mismatch: want %d got %d", dstLen, len(out))
	}
	return out, nil
}
