package rdb

import (
	"hash/crc64"
	"math/bits"
	"sync"
)

// Redis computes its RDB checksum with CRC-64/Jones (reflected, no
// pre/post inversion), not either table the standard library ships
// (ECMA or ISO). Grounded on upstash-rdb/checksum.go, which documents the same
// requirement when verifying dumps produced by real Redis/Dragonfly.
const crc64JonesPoly uint64 = 0xAD93D23594C935A9

var (
	crc64TableOnce sync.Once
	crc64JonesTbl  *crc64.Table
)

func crc64Table() *crc64.Table {
	crc64TableOnce.Do(func() {
		table := new(crc64.Table)
		for i := 0; i < 256; i++ {
			var crc uint64
			for j := uint8(1); j != 0; j <<= 1 {
				bit := crc & 0x8000000000000000
				if uint8(i)&j != 0 {
					bit ^= 0x8000000000000000
				}
				crc <<= 1
				if bit != 0 {
					crc ^= crc64JonesPoly
				}
			}
			table[i] = bits.Reverse64(crc)
		}
		crc64JonesTbl = table
	})
	return crc64JonesTbl
}

// CRC64 computes the Redis-compatible CRC-64 of data, continuing from
// an existing running value (pass 0 to start fresh). Go's crc64.Update
// pre/post-inverts its input; Redis doesn't, so the inversions are
// cancelled out here by XORing before and after.
func CRC64(crc uint64, data []byte) uint64 {
	return ^crc64.Update(^crc, crc64Table(), data)
}
