package key

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Encoding tags. Tag order must match Type order so encoded keys of
// different types compare correctly byte-wise.
const (
	tagNumber byte = 0x10
	tagDate   byte = 0x20
	tagString byte = 0x30
	tagBinary byte = 0x40
	tagArray  byte = 0x50

	// arrayEnd terminates an array's element list. It is smaller than any
	// tag byte, so a prefix array sorts before a longer one.
	arrayEnd byte = 0x00
)

// Encode returns an order-preserving binary encoding of the key: for any
// keys a and b, bytes.Compare(a.Encode(), b.Encode()) == a.Compare(b).
func (k Key) Encode() []byte {
	return k.append(nil)
}

func (k Key) append(dst []byte) []byte {
	switch k.t {
	case Number:
		dst = append(dst, tagNumber)
		return appendUint64(dst, sortableFloatBits(k.num))
	case Date:
		dst = append(dst, tagDate)
		return appendUint64(dst, uint64(k.date.UnixMilli())^(1<<63))
	case String:
		dst = append(dst, tagString)
		return appendEscaped(dst, []byte(k.str))
	case Binary:
		dst = append(dst, tagBinary)
		return appendEscaped(dst, k.bin)
	case Array:
		dst = append(dst, tagArray)
		for _, e := range k.arr {
			dst = e.append(dst)
		}
		return append(dst, arrayEnd)
	default:
		return dst
	}
}

// sortableFloatBits maps float64 bits so unsigned comparison matches
// numeric order: positive floats get the sign bit set, negative floats
// are bit-inverted.
func sortableFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits>>63 == 1 {
		return ^bits
	}
	return bits | 1<<63
}

func unsortableFloatBits(u uint64) float64 {
	if u>>63 == 1 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func appendUint64(dst []byte, u uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return append(dst, buf[:]...)
}

// appendEscaped writes variable-length byte content terminated by 0x00
// 0x00, escaping interior 0x00 bytes as 0x00 0xFF. The escape keeps
// byte-wise order intact: content beyond a shared prefix always compares
// against either the 0xFF escape continuation or the 0x00 terminator.
func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}

// Decode parses an encoded key produced by Encode.
func Decode(data []byte) (Key, error) {
	k, rest, err := decodeOne(data)
	if err != nil {
		return Key{}, err
	}
	if len(rest) != 0 {
		return Key{}, fmt.Errorf("key: %d trailing bytes after encoded key", len(rest))
	}
	return k, nil
}

func decodeOne(data []byte) (Key, []byte, error) {
	if len(data) == 0 {
		return Key{}, nil, fmt.Errorf("key: empty encoded key")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagNumber:
		if len(rest) < 8 {
			return Key{}, nil, fmt.Errorf("key: truncated number key")
		}
		u := binary.BigEndian.Uint64(rest[:8])
		return Key{t: Number, num: unsortableFloatBits(u)}, rest[8:], nil
	case tagDate:
		if len(rest) < 8 {
			return Key{}, nil, fmt.Errorf("key: truncated date key")
		}
		ms := int64(binary.BigEndian.Uint64(rest[:8]) ^ (1 << 63))
		return Key{t: Date, date: time.UnixMilli(ms).UTC()}, rest[8:], nil
	case tagString:
		content, rem, err := readEscaped(rest)
		if err != nil {
			return Key{}, nil, err
		}
		return Key{t: String, str: string(content)}, rem, nil
	case tagBinary:
		content, rem, err := readEscaped(rest)
		if err != nil {
			return Key{}, nil, err
		}
		return Key{t: Binary, bin: content}, rem, nil
	case tagArray:
		var arr []Key
		for {
			if len(rest) == 0 {
				return Key{}, nil, fmt.Errorf("key: unterminated array key")
			}
			if rest[0] == arrayEnd {
				return Key{t: Array, arr: arr}, rest[1:], nil
			}
			var (
				elem Key
				err  error
			)
			elem, rest, err = decodeOne(rest)
			if err != nil {
				return Key{}, nil, err
			}
			arr = append(arr, elem)
		}
	default:
		return Key{}, nil, fmt.Errorf("key: unknown encoding tag 0x%02x", tag)
	}
}

func readEscaped(data []byte) (content, rest []byte, err error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != 0x00 {
			out = append(out, data[i])
			continue
		}
		if i+1 >= len(data) {
			return nil, nil, fmt.Errorf("key: truncated escape sequence")
		}
		switch data[i+1] {
		case 0x00:
			return out, data[i+2:], nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return nil, nil, fmt.Errorf("key: invalid escape byte 0x%02x", data[i+1])
		}
	}
	return nil, nil, fmt.Errorf("key: unterminated byte content")
}
