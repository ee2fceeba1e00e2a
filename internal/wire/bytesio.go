package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/ETCLabs/RDMnet-sub004/internal/rdmuid"
)

// encodeLength writes the shared 3-byte flags+length field for a PDU whose
// total on-wire length (including this field) is length.
func encodeLength(buf []byte, length int) {
	buf[0] = RootLayerFlags | byte((length>>16)&0x0F)
	buf[1] = byte((length >> 8) & 0xFF)
	buf[2] = byte(length & 0xFF)
}

// decodeLength reads the shared 3-byte flags+length field. It returns an
// error if the flags nibble carries any inheritance bits (spec.md requires
// inheritance flags clear).
func decodeLength(buf []byte) (length int, err error) {
	flags := buf[0] & 0xF0
	if flags != RootLayerFlags {
		return 0, fmt.Errorf("wire: unexpected PDU flags 0x%02x", buf[0])
	}
	length = int(buf[0]&0x0F)<<16 | int(buf[1])<<8 | int(buf[2])
	return length, nil
}

func putUID(buf []byte, u rdmuid.UID) {
	binary.BigEndian.PutUint16(buf[0:2], u.Manufacturer)
	binary.BigEndian.PutUint32(buf[2:6], u.Device)
}

func getUID(buf []byte) rdmuid.UID {
	return rdmuid.UID{
		Manufacturer: binary.BigEndian.Uint16(buf[0:2]),
		Device:       binary.BigEndian.Uint32(buf[2:6]),
	}
}

func putCID(buf []byte, id uuid.UUID) {
	copy(buf[0:16], id[:])
}

func getCID(buf []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], buf[0:16])
	return id
}

// putFixedString writes s into a fixed-width, NUL-padded field. s longer than
// width-1 bytes is truncated so the field always remains NUL-terminated.
func putFixedString(buf []byte, s string, width int) {
	n := len(s)
	if n > width-1 {
		n = width - 1
	}
	copy(buf[0:n], s[:n])
	for i := n; i < width; i++ {
		buf[i] = 0
	}
}

// getFixedString reads a NUL-terminated (or full-width) string out of a
// fixed-width field.
func getFixedString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
