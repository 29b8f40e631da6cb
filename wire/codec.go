// Package wire implements the fixed binary encoding shared by every control
// and data message in nodewire: fixed-width integers, length-prefixed
// strings, fixed-length arrays, and length-prefixed variable sequences.
//
// Every primitive is bounds-checked on decode: a primitive either fully
// consumes its declared bytes and advances the cursor, or returns ErrDecode
// leaving the cursor in an unspecified position. Callers must not continue
// decoding after an error.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrDecode is returned when a buffer is shorter than a primitive's declared
// content, or a string/vector's declared length exceeds the remaining buffer.
var ErrDecode = errors.New("wire: truncated or malformed buffer")

// Unsigned is the set of fixed-width unsigned integer kinds this codec
// knows how to pack and unpack.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func widthOf[T Unsigned]() uint32 {
	var v T
	switch any(v).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	case uint64:
		return 8
	default:
		return 0
	}
}

// PutNumber writes v at *cursor and advances the cursor by sizeof(T).
// The caller must ensure buf has at least sizeof(T) bytes remaining.
func PutNumber[T Unsigned](buf []byte, cursor *uint32, v T) {
	switch x := any(v).(type) {
	case uint8:
		buf[*cursor] = x
	case uint16:
		binary.LittleEndian.PutUint16(buf[*cursor:], x)
	case uint32:
		binary.LittleEndian.PutUint32(buf[*cursor:], x)
	case uint64:
		binary.LittleEndian.PutUint64(buf[*cursor:], x)
	}
	*cursor += widthOf[T]()
}

// GetNumber reads a T at *cursor and advances the cursor by sizeof(T), or
// returns ErrDecode if fewer than sizeof(T) bytes remain before n.
func GetNumber[T Unsigned](buf []byte, n uint32, cursor *uint32) (T, error) {
	w := widthOf[T]()
	if *cursor+w > n {
		var zero T
		return zero, ErrDecode
	}
	var result T
	switch any(result).(type) {
	case uint8:
		result = T(buf[*cursor])
	case uint16:
		result = T(binary.LittleEndian.Uint16(buf[*cursor:]))
	case uint32:
		result = T(binary.LittleEndian.Uint32(buf[*cursor:]))
	case uint64:
		result = T(binary.LittleEndian.Uint64(buf[*cursor:]))
	}
	*cursor += w
	return result, nil
}

// SizeArray returns the byte size of a fixed-length array<T,N>: no length
// prefix, just count*sizeof(T).
func SizeArray[T Unsigned](count int) uint32 {
	return uint32(count) * widthOf[T]()
}

// PutArray writes a fixed-length array<T,N> with no length prefix.
func PutArray[T Unsigned](buf []byte, cursor *uint32, arr []T) {
	for _, v := range arr {
		PutNumber(buf, cursor, v)
	}
}

// GetArray reads count elements of a fixed-length array<T,N>.
func GetArray[T Unsigned](buf []byte, n uint32, cursor *uint32, count int) ([]T, error) {
	if *cursor+SizeArray[T](count) > n {
		return nil, ErrDecode
	}
	out := make([]T, count)
	for i := range out {
		v, err := GetNumber[T](buf, n, cursor)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// SizeVector returns the byte size of a length-prefixed vector<T>.
func SizeVector[T Unsigned](v []T) uint32 {
	return 4 + SizeArray[T](len(v))
}

// PutVector writes a length-prefixed vector<T>.
func PutVector[T Unsigned](buf []byte, cursor *uint32, v []T) {
	PutNumber[uint32](buf, cursor, uint32(len(v)))
	PutArray(buf, cursor, v)
}

// GetVector reads a length-prefixed vector<T>, failing if the declared
// length's byte size exceeds the remaining buffer.
func GetVector[T Unsigned](buf []byte, n uint32, cursor *uint32) ([]T, error) {
	count, err := GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return nil, err
	}
	if *cursor+SizeArray[T](int(count)) > n {
		return nil, ErrDecode
	}
	return GetArray[T](buf, n, cursor, int(count))
}

// SizeString returns the byte size of a length-prefixed string: 4 + len(s).
func SizeString(s string) uint32 {
	return 4 + uint32(len(s))
}

// PutString writes a 4-byte length prefix followed by the string's bytes.
func PutString(buf []byte, cursor *uint32, s string) {
	PutNumber[uint32](buf, cursor, uint32(len(s)))
	copy(buf[*cursor:], s)
	*cursor += uint32(len(s))
}

// GetString reads a length-prefixed string, failing if the declared length
// exceeds the remaining buffer.
func GetString(buf []byte, n uint32, cursor *uint32) (string, error) {
	l, err := GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return "", err
	}
	if *cursor+l > n {
		return "", ErrDecode
	}
	s := string(buf[*cursor : *cursor+l])
	*cursor += l
	return s, nil
}

// SizeStringArray returns the byte size of a fixed-length array<string,N>.
func SizeStringArray(arr []string) uint32 {
	var sz uint32
	for _, s := range arr {
		sz += SizeString(s)
	}
	return sz
}

// PutStringArray writes a fixed-length array<string,N>: N concatenated
// strings, no array-level length prefix.
func PutStringArray(buf []byte, cursor *uint32, arr []string) {
	for _, s := range arr {
		PutString(buf, cursor, s)
	}
}

// GetStringArray reads count concatenated strings.
func GetStringArray(buf []byte, n uint32, cursor *uint32, count int) ([]string, error) {
	out := make([]string, count)
	for i := range out {
		s, err := GetString(buf, n, cursor)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// SizeStringVector returns the byte size of a length-prefixed vector<string>.
func SizeStringVector(v []string) uint32 {
	return 4 + SizeStringArray(v)
}

// PutStringVector writes a length-prefixed vector<string>.
func PutStringVector(buf []byte, cursor *uint32, v []string) {
	PutNumber[uint32](buf, cursor, uint32(len(v)))
	PutStringArray(buf, cursor, v)
}

// GetStringVector reads a length-prefixed vector<string>.
func GetStringVector(buf []byte, n uint32, cursor *uint32) ([]string, error) {
	count, err := GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return nil, err
	}
	return GetStringArray(buf, n, cursor, int(count))
}

// Encodable is any message type with the size/serialize triple §4.1
// requires. Deserialization is necessarily per-type (Go has no virtual
// constructors), so message arrays/vectors take a decode function instead
// of a method on Encodable.
type Encodable interface {
	Size() uint32
	Serialize(buf []byte, cursor *uint32)
}

// SizeMessageArray returns the byte size of a fixed-length array<Message,N>.
func SizeMessageArray[T Encodable](items []T) uint32 {
	var sz uint32
	for _, it := range items {
		sz += it.Size()
	}
	return sz
}

// PutMessageArray writes a fixed-length array<Message,N>: N concatenated
// serialized messages, no array-level length prefix.
func PutMessageArray[T Encodable](buf []byte, cursor *uint32, items []T) {
	for _, it := range items {
		it.Serialize(buf, cursor)
	}
}

// GetMessageArray reads count concatenated messages using decode.
func GetMessageArray[T any](buf []byte, n uint32, cursor *uint32, count int, decode func([]byte, uint32, *uint32) (T, error)) ([]T, error) {
	out := make([]T, count)
	for i := range out {
		v, err := decode(buf, n, cursor)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// SizeMessageVector returns the byte size of a length-prefixed vector<Message>.
func SizeMessageVector[T Encodable](items []T) uint32 {
	return 4 + SizeMessageArray(items)
}

// PutMessageVector writes a length-prefixed vector<Message>.
func PutMessageVector[T Encodable](buf []byte, cursor *uint32, items []T) {
	PutNumber[uint32](buf, cursor, uint32(len(items)))
	PutMessageArray(buf, cursor, items)
}

// GetMessageVector reads a length-prefixed vector<Message> using decode.
func GetMessageVector[T any](buf []byte, n uint32, cursor *uint32, decode func([]byte, uint32, *uint32) (T, error)) ([]T, error) {
	count, err := GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return nil, err
	}
	return GetMessageArray(buf, n, cursor, int(count), decode)
}
