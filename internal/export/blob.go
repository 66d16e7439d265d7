package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/hn"
)

// BlobName is the exporter name of Blob.
const BlobName = "blob"

const ndjson = "application/x-ndjson"

// Line is one JSONL row of a snapshot object.
type Line struct {
	Space  hn.Space  `json:"space"`
	Record hn.Record `json:"record"`
}

// Blob writes the snapshot as JSON lines to a BlobStore, one record per
// line in snapshot order. Objects are named prefix/runID/digest.jsonl.
type Blob struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
}

// NewBlob returns a Blob exporter.
func NewBlob(store crawler.BlobStore, hasher crawler.Hasher, prefix string) *Blob {
	return &Blob{store: store, hasher: hasher, prefix: prefix}
}

// Name implements Exporter.
func (b *Blob) Name() string { return BlobName }

// Export implements Exporter.
func (b *Blob) Export(ctx context.Context, snap Snapshot) (string, error) {
	data, err := EncodeJSONL(snap.Records)
	if err != nil {
		return "", err
	}
	digest, err := b.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	name := path.Join(b.prefix, snap.Result.RunID, digest+".jsonl")
	uri, err := b.store.PutObject(ctx, name, ndjson, data)
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return uri, nil
}

// EncodeJSONL renders records as JSON lines.
func EncodeJSONL(records []hn.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(Line{Space: rec.Key().Space, Record: rec}); err != nil {
			return nil, fmt.Errorf("encode %s: %w", rec.Key(), err)
		}
	}
	return buf.Bytes(), nil
}
