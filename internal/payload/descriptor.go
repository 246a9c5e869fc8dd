// Package payload defines the versioned payload descriptor attached to each
// object: up to MaxVariants deliverable bodies (identity, gzip, ...) with
// their capabilities and lengths. The descriptor is stored in the index
// entry and emitted on the wire as a fixed-size little-endian blob.
package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Schema constants
const (
	DescriptorVersion = 1
	MaxVariants       = 8
	VariantIDMax      = 32
)

// Content encodings
const (
	EncodingIdentity uint32 = 0
	EncodingGzip     uint32 = 1
	EncodingBrotli   uint32 = 2
	EncodingZstd     uint32 = 3
	EncodingCustom   uint32 = 255
)

// Delivery capability bits
const (
	CapIdentity     uint32 = 1 << 0
	CapGzip         uint32 = 1 << 1
	CapESIFlattened uint32 = 1 << 2
	CapRangeReady   uint32 = 1 << 3
	CapZeroCopy     uint32 = 1 << 4
	CapTLSOffload   uint32 = 1 << 5
)

// Manifest flags
const (
	FlagHasVariants    uint32 = 1 << 0
	FlagLegacyFallback uint32 = 1 << 1
)

// Encoded sizes
const (
	variantWireSize = VariantIDMax + 4 + 4 + 8 + 8 + 8 + 1 + 7
	// EncodedSize is the fixed size of an encoded descriptor.
	EncodedSize = 16 + MaxVariants*variantWireSize
)

// Variant describes one deliverable body of an object.
type Variant struct {
	ID               string
	Capabilities     uint32
	Encoding         uint32
	LogicalLength    uint64
	StorageLength    uint64
	RangeGranularity uint64
	IsPrimary        bool
}

// Descriptor aggregates up to MaxVariants variants for one object.
type Descriptor struct {
	Version       uint32
	VariantCount  uint32
	ManifestFlags uint32
	Variants      [MaxVariants]Variant
}

// NewIdentity returns a single-variant descriptor describing a plain body
// of the given size. Used to seed objects on their first write.
func NewIdentity(size uint64) *Descriptor {
	d := &Descriptor{
		Version:       DescriptorVersion,
		VariantCount:  1,
		ManifestFlags: FlagHasVariants | FlagLegacyFallback,
	}
	d.Variants[0] = Variant{
		ID:            "identity",
		Capabilities:  CapIdentity | CapZeroCopy,
		Encoding:      EncodingIdentity,
		LogicalLength: size,
		StorageLength: size,
		IsPrimary:     true,
	}
	return d
}

// Primary returns the primary variant, or nil if the descriptor is empty.
func (d *Descriptor) Primary() *Variant {
	for i := uint32(0); i < d.VariantCount && i < MaxVariants; i++ {
		if d.Variants[i].IsPrimary {
			return &d.Variants[i]
		}
	}
	return nil
}

// IsZero reports whether the descriptor has never been populated.
func (d *Descriptor) IsZero() bool {
	return d.Version == 0 && d.VariantCount == 0
}

func knownEncoding(encoding uint32) bool {
	switch encoding {
	case EncodingIdentity, EncodingGzip, EncodingBrotli, EncodingZstd, EncodingCustom:
		return true
	}
	return false
}

// Validate checks the descriptor against the schema rules. A descriptor
// that fails validation is never stored on an entry.
func (d *Descriptor) Validate() error {
	if d.Version != DescriptorVersion {
		return fmt.Errorf("descriptor version %d, want %d", d.Version, DescriptorVersion)
	}
	if d.VariantCount < 1 || d.VariantCount > MaxVariants {
		return fmt.Errorf("variant count %d out of range [1,%d]", d.VariantCount, MaxVariants)
	}

	primaries := 0
	for i := uint32(0); i < d.VariantCount; i++ {
		v := &d.Variants[i]
		if v.ID == "" {
			return fmt.Errorf("variant %d: empty identifier", i)
		}
		if len(v.ID) > VariantIDMax {
			return fmt.Errorf("variant %d: identifier exceeds %d bytes", i, VariantIDMax)
		}
		if v.LogicalLength == 0 || v.StorageLength == 0 {
			return fmt.Errorf("variant %d: lengths must be positive", i)
		}
		if !knownEncoding(v.Encoding) {
			return fmt.Errorf("variant %d: unknown encoding %d", i, v.Encoding)
		}
		if v.Encoding == EncodingIdentity && v.StorageLength < v.LogicalLength {
			return fmt.Errorf("variant %d: identity storage %d < logical %d",
				i, v.StorageLength, v.LogicalLength)
		}
		if v.Capabilities&CapIdentity != 0 && v.Encoding != EncodingIdentity {
			return fmt.Errorf("variant %d: identity capability on encoding %d", i, v.Encoding)
		}
		if v.Capabilities&CapGzip != 0 && v.Encoding != EncodingGzip {
			return fmt.Errorf("variant %d: gzip capability on encoding %d", i, v.Encoding)
		}
		if v.Capabilities&CapRangeReady != 0 && v.RangeGranularity == 0 {
			return fmt.Errorf("variant %d: range-ready without range granularity", i)
		}
		if v.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary variant required, got %d", primaries)
	}
	return nil
}

// Encode renders the descriptor as its fixed-size little-endian wire blob.
// Variant identifiers are NUL-padded to capacity.
func (d *Descriptor) Encode() []byte {
	buf := make([]byte, EncodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.Version)
	binary.LittleEndian.PutUint32(buf[4:8], d.VariantCount)
	binary.LittleEndian.PutUint32(buf[8:12], d.ManifestFlags)
	// buf[12:16] reserved

	off := 16
	for i := 0; i < MaxVariants; i++ {
		v := &d.Variants[i]
		copy(buf[off:off+VariantIDMax], v.ID)
		binary.LittleEndian.PutUint32(buf[off+32:off+36], v.Capabilities)
		binary.LittleEndian.PutUint32(buf[off+36:off+40], v.Encoding)
		binary.LittleEndian.PutUint64(buf[off+40:off+48], v.LogicalLength)
		binary.LittleEndian.PutUint64(buf[off+48:off+56], v.StorageLength)
		binary.LittleEndian.PutUint64(buf[off+56:off+64], v.RangeGranularity)
		if v.IsPrimary {
			buf[off+64] = 1
		}
		off += variantWireSize
	}
	return buf
}

// Decode parses a fixed-size descriptor blob.
func Decode(buf []byte) (*Descriptor, error) {
	if len(buf) != EncodedSize {
		return nil, fmt.Errorf("descriptor blob is %d bytes, want %d", len(buf), EncodedSize)
	}
	d := &Descriptor{
		Version:       binary.LittleEndian.Uint32(buf[0:4]),
		VariantCount:  binary.LittleEndian.Uint32(buf[4:8]),
		ManifestFlags: binary.LittleEndian.Uint32(buf[8:12]),
	}
	off := 16
	for i := 0; i < MaxVariants; i++ {
		id := buf[off : off+VariantIDMax]
		if nul := bytes.IndexByte(id, 0); nul >= 0 {
			id = id[:nul]
		}
		d.Variants[i] = Variant{
			ID:               string(id),
			Capabilities:     binary.LittleEndian.Uint32(buf[off+32 : off+36]),
			Encoding:         binary.LittleEndian.Uint32(buf[off+36 : off+40]),
			LogicalLength:    binary.LittleEndian.Uint64(buf[off+40 : off+48]),
			StorageLength:    binary.LittleEndian.Uint64(buf[off+48 : off+56]),
			RangeGranularity: binary.LittleEndian.Uint64(buf[off+56 : off+64]),
			IsPrimary:        buf[off+64] != 0,
		}
		off += variantWireSize
	}
	return d, nil
}
