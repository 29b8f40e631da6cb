// Package messages provides the demo application payload types used by the
// cmd/ binaries and the end-to-end tests: Header, mirroring a common
// timestamped-frame message, and Time, a structurally distinct type used
// only to exercise the hub's topic hash-mismatch rejection.
package messages

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/nodewire/nodewire/wire"
)

// Stamp is a monotonic/wall-clock pair embedded in Header.
type Stamp struct {
	Sec  uint32
	Nsec uint32
}

func (s Stamp) Size() uint32 { return 8 }

func (s Stamp) Serialize(buf []byte, cursor *uint32) {
	wire.PutNumber[uint32](buf, cursor, s.Sec)
	wire.PutNumber[uint32](buf, cursor, s.Nsec)
}

func deserializeStamp(buf []byte, n uint32, cursor *uint32) (Stamp, error) {
	sec, err := wire.GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return Stamp{}, err
	}
	nsec, err := wire.GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{Sec: sec, Nsec: nsec}, nil
}

// Header is a sequenced, named, timestamped frame — the canonical demo
// message used by the simple round-trip scenario.
type Header struct {
	Seq     uint32
	FrameID string
	Stamp   Stamp
}

func (h Header) Size() uint32 {
	return 4 + wire.SizeString(h.FrameID) + h.Stamp.Size()
}

func (h Header) Serialize(buf []byte, cursor *uint32) {
	wire.PutNumber[uint32](buf, cursor, h.Seq)
	wire.PutString(buf, cursor, h.FrameID)
	h.Stamp.Serialize(buf, cursor)
}

// DeserializeHeader decodes a Header, matching the package-level decode
// function shape consumed by subscriber callbacks and wire.GetMessageVector.
func DeserializeHeader(buf []byte, n uint32, cursor *uint32) (Header, error) {
	seq, err := wire.GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return Header{}, err
	}
	frameID, err := wire.GetString(buf, n, cursor)
	if err != nil {
		return Header{}, err
	}
	stamp, err := deserializeStamp(buf, n, cursor)
	if err != nil {
		return Header{}, err
	}
	return Header{Seq: seq, FrameID: frameID, Stamp: stamp}, nil
}

// HeaderMessageHash returns the schema fingerprint for Header, stable for
// the lifetime of this field layout.
func HeaderMessageHash() uint64 {
	return schemaHash("Header{Seq:u32,FrameID:string,Stamp:{Sec:u32,Nsec:u32}}")
}

// Time is a bare (Sec, Nsec) pair. It exists only to give the hash-mismatch
// scenario a second message type that shares no fields with Header.
type Time struct {
	Sec  uint32
	Nsec uint32
}

func (t Time) Size() uint32 { return 8 }

func (t Time) Serialize(buf []byte, cursor *uint32) {
	wire.PutNumber[uint32](buf, cursor, t.Sec)
	wire.PutNumber[uint32](buf, cursor, t.Nsec)
}

// DeserializeTime decodes a Time.
func DeserializeTime(buf []byte, n uint32, cursor *uint32) (Time, error) {
	sec, err := wire.GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return Time{}, err
	}
	nsec, err := wire.GetNumber[uint32](buf, n, cursor)
	if err != nil {
		return Time{}, err
	}
	return Time{Sec: sec, Nsec: nsec}, nil
}

// TimeMessageHash returns the schema fingerprint for Time.
func TimeMessageHash() uint64 {
	return schemaHash("Time{Sec:u32,Nsec:u32}")
}

// schemaHash truncates a sha256 digest of a message's textual schema
// fingerprint to 64 bits for embedding in TopicInfo.MessageHash.
func schemaHash(fingerprint string) uint64 {
	sum := sha256.Sum256([]byte(fingerprint))
	return binary.LittleEndian.Uint64(sum[:8])
}
