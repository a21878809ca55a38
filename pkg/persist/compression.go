package persist

import (
	"fmt"

	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// compress encodes a whole index or free list file. Empty input stays empty
// so a store with nothing to record keeps zero length files.
func compress(codec string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch codec {
	case config.CompressionNone, "":
		return data, nil
	case config.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case config.CompressionSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}

func decompress(codec string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch codec {
	case config.CompressionNone, "":
		return data, nil
	case config.CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptIndex, err)
		}
		return out, nil
	case config.CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorruptIndex, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}
}
