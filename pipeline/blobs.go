package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ancrage-ai/ancrage/extract"
)

// Blobs keeps per-document payloads on disk between stages: the raw
// upload bytes, the extraction result, and the embedding vectors.
// Queue tasks carry only document ids, so stages reload from here.
type Blobs struct {
	dir string
}

func NewBlobs(dir string) (*Blobs, error) {
	for _, sub := range []string{"uploads", "extracted", "vectors"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating blob dir: %w", err)
		}
	}
	return &Blobs{dir: dir}, nil
}

func (b *Blobs) uploadPath(docID int64) string {
	return filepath.Join(b.dir, "uploads", fmt.Sprintf("%d.bin", docID))
}

func (b *Blobs) extractedPath(docID int64) string {
	return filepath.Join(b.dir, "extracted", fmt.Sprintf("%d.json", docID))
}

func (b *Blobs) vectorsPath(docID int64) string {
	return filepath.Join(b.dir, "vectors", fmt.Sprintf("%d.json", docID))
}

func (b *Blobs) SaveUpload(docID int64, data []byte) error {
	return writeAtomic(b.uploadPath(docID), data)
}

func (b *Blobs) LoadUpload(docID int64) ([]byte, error) {
	return os.ReadFile(b.uploadPath(docID))
}

func (b *Blobs) SaveExtraction(docID int64, res *extract.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return writeAtomic(b.extractedPath(docID), data)
}

func (b *Blobs) LoadExtraction(docID int64) (*extract.Result, error) {
	data, err := os.ReadFile(b.extractedPath(docID))
	if err != nil {
		return nil, err
	}
	res := &extract.Result{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("extraction payload for document %d: %w", docID, err)
	}
	return res, nil
}

// vectorSet carries embeddings from the embedding stage to indexing,
// keyed to chunk rows.
type vectorSet struct {
	ChunkIDs []int64     `json:"chunk_ids"`
	Vectors  [][]float32 `json:"vectors"`
}

func (b *Blobs) SaveVectors(docID int64, chunkIDs []int64, vectors [][]float32) error {
	data, err := json.Marshal(vectorSet{ChunkIDs: chunkIDs, Vectors: vectors})
	if err != nil {
		return err
	}
	return writeAtomic(b.vectorsPath(docID), data)
}

func (b *Blobs) LoadVectors(docID int64) ([]int64, [][]float32, error) {
	data, err := os.ReadFile(b.vectorsPath(docID))
	if err != nil {
		return nil, nil, err
	}
	var vs vectorSet
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, nil, fmt.Errorf("vector payload for document %d: %w", docID, err)
	}
	return vs.ChunkIDs, vs.Vectors, nil
}

// Remove deletes every payload for the document. Missing files are
// fine; completed documents have already lost their intermediates.
func (b *Blobs) Remove(docID int64) {
	os.Remove(b.uploadPath(docID))
	os.Remove(b.extractedPath(docID))
	os.Remove(b.vectorsPath(docID))
}

// RemoveIntermediates keeps the original upload (for reprocessing) but
// drops the stage handoff files.
func (b *Blobs) RemoveIntermediates(docID int64) {
	os.Remove(b.extractedPath(docID))
	os.Remove(b.vectorsPath(docID))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
