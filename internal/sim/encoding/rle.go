package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Chunk tile payload encodings.
const (
	// TilesI32LE is base64 of little-endian int32 per cell, x fastest.
	TilesI32LE = "I32LE_XY"
	// TilesRLE is base64 of (zigzag varint tile, uvarint run) pairs, x fastest.
	TilesRLE = "RLE_I32_XY"
)

// EncodeTiles picks the shorter of the two encodings for a tile grid. Sparse
// chunks (mostly -1) almost always come out as RLE.
func EncodeTiles(tiles []int32) (encoding, data string) {
	rle := encodeRLE(tiles)
	if len(rle) < 4*len(tiles) {
		return TilesRLE, base64.StdEncoding.EncodeToString(rle)
	}
	raw := make([]byte, 4*len(tiles))
	for i, v := range tiles {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	return TilesI32LE, base64.StdEncoding.EncodeToString(raw)
}

// DecodeTiles reverses EncodeTiles. want is the expected cell count.
func DecodeTiles(encoding, data string, want int) ([]int32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	var out []int32
	switch encoding {
	case TilesI32LE:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("i32 payload length %d not a multiple of 4", len(raw))
		}
		out = make([]int32, len(raw)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case TilesRLE:
		out, err = decodeRLE(raw, want)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown tile encoding %q", encoding)
	}
	if len(out) != want {
		return nil, fmt.Errorf("decoded %d tiles, want %d", len(out), want)
	}
	return out, nil
}

func encodeRLE(tiles []int32) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(tiles) {
		v := tiles[i]
		run := 1
		for j := i + 1; j < len(tiles) && tiles[j] == v; j++ {
			run++
		}

		n := binary.PutVarint(tmp[:], int64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}
	return buf.Bytes()
}

func decodeRLE(raw []byte, limit int) ([]int32, error) {
	out := make([]int32, 0, limit)
	for i := 0; i < len(raw); {
		v, n := binary.Varint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if v < -1<<31 || v > 1<<31-1 {
			return nil, fmt.Errorf("tile value out of range: %d", v)
		}
		if run == 0 || uint64(len(out))+run > uint64(limit) {
			return nil, fmt.Errorf("run of %d overflows %d tiles", run, limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, int32(v))
		}
	}
	return out, nil
}
