package fieldsync

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/golang/snappy"
)

// CompressionThreshold is the payload size below which compression is skipped.
// Snappy framing overhead is not worth it for tiny payloads.
const CompressionThreshold = 1024

// CompressedPayload is the output of the byte/text compression path.
type CompressedPayload struct {
	Data           []byte  `json:"data"`
	Compressed     bool    `json:"compressed"`
	OriginalSize   int     `json:"original_size"`
	CompressedSize int     `json:"compressed_size"`
	Ratio          float64 `json:"ratio"`
}

// CompressionStats aggregates engine telemetry across all operations.
type CompressionStats struct {
	Compressions   int64   `json:"compressions"`
	Decompressions int64   `json:"decompressions"`
	Passthroughs   int64   `json:"passthroughs"`
	BytesIn        int64   `json:"bytes_in"`
	BytesOut       int64   `json:"bytes_out"`
	OverallRatio   float64 `json:"overall_ratio"`
}

// CompressionEngine compresses text and structured payloads with snappy.
// Purely transforms bytes in memory; no network or persistence side effects.
type CompressionEngine struct {
	threshold int

	compressions   atomic.Int64
	decompressions atomic.Int64
	passthroughs   atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
}

// NewCompressionEngine creates an engine with the default size threshold.
func NewCompressionEngine() *CompressionEngine {
	return &CompressionEngine{threshold: CompressionThreshold}
}

// CompressBytes compresses raw bytes, passing small payloads through
// unchanged with Compressed=false.
func (ce *CompressionEngine) CompressBytes(data []byte) CompressedPayload {
	ce.bytesIn.Add(int64(len(data)))

	if len(data) < ce.threshold {
		ce.passthroughs.Add(1)
		ce.bytesOut.Add(int64(len(data)))
		return CompressedPayload{
			Data:           data,
			Compressed:     false,
			OriginalSize:   len(data),
			CompressedSize: len(data),
			Ratio:          1.0,
		}
	}

	encoded := snappy.Encode(nil, data)
	ce.compressions.Add(1)
	ce.bytesOut.Add(int64(len(encoded)))

	ratio := 1.0
	if len(encoded) > 0 {
		ratio = float64(len(data)) / float64(len(encoded))
	}
	return CompressedPayload{
		Data:           encoded,
		Compressed:     true,
		OriginalSize:   len(data),
		CompressedSize: len(encoded),
		Ratio:          ratio,
	}
}

// DecompressBytes reverses CompressBytes. Payloads marked uncompressed are
// returned as-is.
func (ce *CompressionEngine) DecompressBytes(p CompressedPayload) ([]byte, error) {
	if !p.Compressed {
		return p.Data, nil
	}
	decoded, err := snappy.Decode(nil, p.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	ce.decompressions.Add(1)
	return decoded, nil
}

// CompressText compresses a string payload.
func (ce *CompressionEngine) CompressText(text string) CompressedPayload {
	return ce.CompressBytes([]byte(text))
}

// DecompressText reverses CompressText.
func (ce *CompressionEngine) DecompressText(p CompressedPayload) (string, error) {
	data, err := ce.DecompressBytes(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CompressRecord JSON-encodes a field map and compresses the result. Used for
// structured payloads headed into the cache.
func (ce *CompressionEngine) CompressRecord(fields map[string]any) (CompressedPayload, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return CompressedPayload{}, fmt.Errorf("encode record: %w", err)
	}
	return ce.CompressBytes(data), nil
}

// DecompressRecord reverses CompressRecord.
func (ce *CompressionEngine) DecompressRecord(p CompressedPayload) (map[string]any, error) {
	data, err := ce.DecompressBytes(p)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return fields, nil
}

// Stats returns aggregate compression telemetry.
func (ce *CompressionEngine) Stats() CompressionStats {
	in := ce.bytesIn.Load()
	out := ce.bytesOut.Load()
	ratio := 1.0
	if out > 0 {
		ratio = float64(in) / float64(out)
	}
	return CompressionStats{
		Compressions:   ce.compressions.Load(),
		Decompressions: ce.decompressions.Load(),
		Passthroughs:   ce.passthroughs.Load(),
		BytesIn:        in,
		BytesOut:       out,
		OverallRatio:   ratio,
	}
}
