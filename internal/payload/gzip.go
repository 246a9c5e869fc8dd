package payload

import (
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// countingWriter discards bytes while counting them.
type countingWriter struct {
	n uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += uint64(len(p))
	return len(p), nil
}

// GzipVariant builds a gzip variant for the given identity body: the body
// is compressed once (never stored here) to learn the real stored length
// a producer would write.
func GzipVariant(id string, body []byte) (Variant, error) {
	if id == "" || len(id) > VariantIDMax {
		return Variant{}, fmt.Errorf("invalid variant id %q", id)
	}

	var counter countingWriter
	zw, err := gzip.NewWriterLevel(&counter, gzip.BestSpeed)
	if err != nil {
		return Variant{}, err
	}
	if _, err := zw.Write(body); err != nil {
		return Variant{}, err
	}
	if err := zw.Close(); err != nil {
		return Variant{}, err
	}

	return Variant{
		ID:            id,
		Capabilities:  CapGzip,
		Encoding:      EncodingGzip,
		LogicalLength: uint64(len(body)),
		StorageLength: counter.n,
	}, nil
}
