package ring

import (
	"encoding/binary"
	"fmt"
)

// FrameTag distinguishes request and response frames.
type FrameTag uint16

const (
	TAG_REQUEST  = FrameTag(0) // req
	TAG_RESPONSE = FrameTag(1) // rsp
)

// String returns the wire tag mnemonic.
func (tag FrameTag) String() (out string) {
	switch tag {
	case TAG_REQUEST:
		out = "req"
	case TAG_RESPONSE:
		out = "rsp"
	default:
		out = fmt.Sprintf("tag(%d)", uint16(tag))
	}

	return
}

// FrameStatus is the disposition of a frame.
type FrameStatus uint8

const (
	STATUS_PENDING  = FrameStatus(0) // pending
	STATUS_APPROVED = FrameStatus(1) // approved
	STATUS_DENIED   = FrameStatus(2) // denied
)

// String returns the status mnemonic.
func (status FrameStatus) String() (out string) {
	switch status {
	case STATUS_PENDING:
		out = "pending"
	case STATUS_APPROVED:
		out = "approved"
	case STATUS_DENIED:
		out = "denied"
	default:
		out = fmt.Sprintf("status(%d)", uint8(status))
	}

	return
}

// FrameSize is the fixed slot size in bytes:
//
//	u32 seq | u16 tag | u16 service | u32 length | u64 payload | u8 status | pad[3]
//
// All fields little-endian.
const FrameSize = 24

// Frame is one fixed-size transport slot. Payload is an offset into the
// unified address space; Length is the payload byte count at that offset.
type Frame struct {
	Seq     uint32
	Tag     FrameTag
	Service uint16
	Length  uint32
	Payload uint64
	Status  FrameStatus
}

// String returns a short description of the frame.
func (frame Frame) String() string {
	return fmt.Sprintf("%v seq:%v svc:%v len:%v pay:0x%x %v",
		frame.Tag, frame.Seq, frame.Service, frame.Length, frame.Payload, frame.Status)
}

// Marshal encodes the frame into dst, which must hold FrameSize bytes.
func (frame Frame) Marshal(dst []byte) (err error) {
	if len(dst) < FrameSize {
		err = ErrFrameShort
		return
	}

	binary.LittleEndian.PutUint32(dst[0:4], frame.Seq)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(frame.Tag))
	binary.LittleEndian.PutUint16(dst[6:8], frame.Service)
	binary.LittleEndian.PutUint32(dst[8:12], frame.Length)
	binary.LittleEndian.PutUint64(dst[12:20], frame.Payload)
	dst[20] = uint8(frame.Status)
	dst[21] = 0
	dst[22] = 0
	dst[23] = 0

	return
}

// Unmarshal decodes the frame from src, which must hold FrameSize bytes.
func (frame *Frame) Unmarshal(src []byte) (err error) {
	if len(src) < FrameSize {
		err = ErrFrameShort
		return
	}

	frame.Seq = binary.LittleEndian.Uint32(src[0:4])
	frame.Tag = FrameTag(binary.LittleEndian.Uint16(src[4:6]))
	frame.Service = binary.LittleEndian.Uint16(src[6:8])
	frame.Length = binary.LittleEndian.Uint32(src[8:12])
	frame.Payload = binary.LittleEndian.Uint64(src[12:20])
	frame.Status = FrameStatus(src[20])

	return
}
