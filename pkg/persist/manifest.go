package persist

import (
	"encoding/json"
	"fmt"

	"github.com/KevoDB/qstorage/pkg/shard"
)

// Manifest lists the shard files in index order
type Manifest struct {
	Chunk []shard.Entry `json:"chunk"`
}

// EncodeManifest renders the manifest as indented JSON
func EncodeManifest(entries []shard.Entry) ([]byte, error) {
	if entries == nil {
		entries = []shard.Entry{}
	}
	data, err := json.MarshalIndent(Manifest{Chunk: entries}, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses a manifest file. Shard names must follow the
// chunk.<index>.qs pattern in order.
func DecodeManifest(data []byte) ([]shard.Entry, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}

	for i, e := range m.Chunk {
		if e.Name != shard.Name(i) {
			return nil, fmt.Errorf("%w: entry %d is %q, expected %q", ErrCorruptManifest, i, e.Name, shard.Name(i))
		}
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: shard %s has negative size", ErrCorruptManifest, e.Name)
		}
	}
	return m.Chunk, nil
}
