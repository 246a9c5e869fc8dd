package wire

import (
	"encoding/binary"

	"github.com/objmapper/objmapper/pkg/errors"
)

// MetadataEntry is one decoded TLV.
type MetadataEntry struct {
	Type uint8
	Data []byte
}

// AppendMetadata appends one TLV (type, big-endian u16 length, value) to
// buf and returns the extended slice.
func AppendMetadata(buf []byte, typ uint8, data []byte) []byte {
	buf = append(buf, typ)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

// AppendMetadataSize appends a size TLV.
func AppendMetadataSize(buf []byte, size uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], size)
	return AppendMetadata(buf, MetaSize, data[:])
}

// AppendMetadataMtime appends a modification-time TLV.
func AppendMetadataMtime(buf []byte, mtime uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], mtime)
	return AppendMetadata(buf, MetaMtime, data[:])
}

// AppendMetadataBackend appends a backend-id TLV.
func AppendMetadataBackend(buf []byte, backendID uint8) []byte {
	return AppendMetadata(buf, MetaBackend, []byte{backendID})
}

// AppendMetadataLatency appends a processing-latency TLV in microseconds.
func AppendMetadataLatency(buf []byte, latencyUS uint32) []byte {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], latencyUS)
	return AppendMetadata(buf, MetaLatency, data[:])
}

// AppendMetadataError appends a free-form error message TLV.
func AppendMetadataError(buf []byte, msg string) []byte {
	return AppendMetadata(buf, MetaError, []byte(msg))
}

// AppendMetadataPayload appends an encoded payload descriptor blob.
func AppendMetadataPayload(buf []byte, descriptor []byte) []byte {
	return AppendMetadata(buf, MetaPayload, descriptor)
}

// ParseMetadata decodes a TLV buffer. Unknown types are preserved for the
// caller to ignore.
func ParseMetadata(buf []byte) ([]MetadataEntry, error) {
	var entries []MetadataEntry
	for len(buf) > 0 {
		if len(buf) < 3 {
			return nil, errors.New(errors.StatusProtocolError, "truncated metadata TLV header")
		}
		typ := buf[0]
		length := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) < 3+length {
			return nil, errors.Newf(errors.StatusProtocolError,
				"metadata TLV type 0x%02x: %d value bytes declared, %d available",
				typ, length, len(buf)-3)
		}
		data := make([]byte, length)
		copy(data, buf[3:3+length])
		entries = append(entries, MetadataEntry{Type: typ, Data: data})
		buf = buf[3+length:]
	}
	return entries, nil
}

// GetMetadata returns the first entry of the given type, or nil.
func GetMetadata(entries []MetadataEntry, typ uint8) *MetadataEntry {
	for i := range entries {
		if entries[i].Type == typ {
			return &entries[i]
		}
	}
	return nil
}

// MetadataSize extracts the size TLV if present.
func MetadataSize(entries []MetadataEntry) (uint64, bool) {
	entry := GetMetadata(entries, MetaSize)
	if entry == nil || len(entry.Data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(entry.Data), true
}

// MetadataError extracts the error-message TLV if present.
func MetadataError(entries []MetadataEntry) (string, bool) {
	entry := GetMetadata(entries, MetaError)
	if entry == nil {
		return "", false
	}
	return string(entry.Data), true
}
