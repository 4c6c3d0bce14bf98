package task

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
)

// Record framing: payload (JSON) | crc32c(payload). The queue and
// dead-letter stores frame their own record types with these helpers so
// a corrupt value is always detected before it is trusted.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord indicates a record failed its CRC or framing check.
var ErrCorruptRecord = errors.New("task: corrupt record")

// EncodeRecord serializes v as JSON with a crc32c trailer.
func EncodeRecord(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+4)
	out = append(out, payload...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(payload, castagnoli))
	return append(out, cb[:]...), nil
}

// DecodeRecord verifies the trailer and unmarshals the payload into out.
func DecodeRecord(b []byte, out any) error {
	if len(b) < 4 {
		return ErrCorruptRecord
	}
	payload := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(payload, castagnoli) != expect {
		return ErrCorruptRecord
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return ErrCorruptRecord
	}
	return nil
}
