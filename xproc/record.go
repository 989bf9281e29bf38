package xproc

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// RecordKind identifies the shape of a record written into a foreign process
type RecordKind uint32

const (
	RecordKindNumber RecordKind = iota
)

var recordKindMapping = map[RecordKind]string{
	RecordKindNumber: "Number",
}

func (k RecordKind) String() string {
	str, ok := recordKindMapping[k]
	if !ok {
		return "Unknown"
	}
	return str
}

// RecordSize is the size of a serialized record: a 4-byte little endian type tag, 4 reserved bytes,
// and an 8-byte IEEE-754 value
const RecordSize int = 16

// Record is a boxed number as the foreign process parses it. Tag is the foreign process's own type
// tag for the record kind, looked up from TypeTags.
type Record struct {
	Tag   uint32
	Value float64
}

// AppendBinary appends the serialized record to buffer
func (r Record) AppendBinary(buffer []byte) []byte {
	buffer = binary.LittleEndian.AppendUint32(buffer, r.Tag)
	buffer = binary.LittleEndian.AppendUint32(buffer, 0)
	return binary.LittleEndian.AppendUint64(buffer, math.Float64bits(r.Value))
}

// ParseRecord reads a record serialized by AppendBinary
func ParseRecord(data []byte) (Record, error) {
	if len(data) < RecordSize {
		return Record{}, errors.Newf("record needs %d bytes but only %d are available", RecordSize, len(data))
	}
	if reserved := binary.LittleEndian.Uint32(data[4:8]); reserved != 0 {
		return Record{}, errors.Newf("reserved record bytes hold %#x", reserved)
	}

	return Record{
		Tag:   binary.LittleEndian.Uint32(data[0:4]),
		Value: math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}
