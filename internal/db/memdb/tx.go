package memdb

import (
	"context"
	"errors"

	"github.com/dream-ai/docrag/internal/db"
)

var errTxDone = errors.New("memdb: transaction already finished")

type tx struct {
	s    *Store
	undo []func()
	done bool
}

var _ db.Tx = (*tx)(nil)

func (t *tx) lock(op string) (func(), error) {
	t.s.mu.Lock()
	if t.done {
		t.s.mu.Unlock()
		return nil, errTxDone
	}
	if err := t.s.injected(op); err != nil {
		t.s.mu.Unlock()
		return nil, err
	}
	return t.s.mu.Unlock, nil
}

func (t *tx) Commit(ctx context.Context) error {
	unlock, err := t.lock("Commit")
	if err != nil {
		return err
	}
	defer unlock()
	t.done = true
	t.undo = nil
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
	return nil
}

func (t *tx) CreateDocument(ctx context.Context, doc *db.Document) error {
	unlock, err := t.lock("CreateDocument")
	if err != nil {
		return err
	}
	defer unlock()
	s := t.s
	if doc.Status == "" {
		doc.Status = db.DocumentUploaded
	}
	doc.ID = s.nextID()
	doc.CreatedAt = s.Now()
	cp := *doc
	s.docs[doc.ID] = &cp
	id := doc.ID
	t.undo = append(t.undo, func() { delete(s.docs, id) })
	return nil
}

func (t *tx) CreateVersion(ctx context.Context, docID int64, sha256 string) (*db.DocumentVersion, error) {
	unlock, err := t.lock("CreateVersion")
	if err != nil {
		return nil, err
	}
	defer unlock()
	s := t.s
	if _, ok := s.docs[docID]; !ok {
		return nil, db.ErrNotFound
	}
	num := 1
	if latest, err := s.latestVersion(docID); err == nil {
		num = latest.VersionNum + 1
	}
	v := &db.DocumentVersion{
		ID:         s.nextID(),
		DocumentID: docID,
		VersionNum: num,
		SHA256:     sha256,
		CreatedAt:  s.Now(),
	}
	s.versions[v.ID] = v
	t.undo = append(t.undo, func() { delete(s.versions, v.ID) })
	cp := *v
	return &cp, nil
}

func (t *tx) PutBlob(ctx context.Context, blob *db.Blob) error {
	unlock, err := t.lock("PutBlob")
	if err != nil {
		return err
	}
	defer unlock()
	s := t.s
	cp := *blob
	cp.Data = append([]byte(nil), blob.Data...)
	s.blobs[blob.VersionID] = &cp
	id := blob.VersionID
	t.undo = append(t.undo, func() { delete(s.blobs, id) })
	return nil
}

func (t *tx) GetBlob(ctx context.Context, versionID int64) (*db.Blob, error) {
	unlock, err := t.lock("GetBlob")
	if err != nil {
		return nil, err
	}
	defer unlock()
	b, ok := t.s.blobs[versionID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (t *tx) LatestVersion(ctx context.Context, docID int64) (*db.DocumentVersion, error) {
	unlock, err := t.lock("LatestVersion")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return t.s.latestVersion(docID)
}

func (t *tx) SetDocumentStatus(ctx context.Context, docID int64, status db.DocumentStatus) error {
	unlock, err := t.lock("SetDocumentStatus")
	if err != nil {
		return err
	}
	defer unlock()
	return t.s.setStatus(docID, status, &t.undo)
}

func (t *tx) UpsertExtractedText(ctx context.Context, text *db.ExtractedText) error {
	unlock, err := t.lock("UpsertExtractedText")
	if err != nil {
		return err
	}
	defer unlock()
	s := t.s
	id := text.VersionID
	prev, had := s.texts[id]
	cp := *text
	s.texts[id] = &cp
	t.undo = append(t.undo, func() {
		if had {
			s.texts[id] = prev
		} else {
			delete(s.texts, id)
		}
	})
	return nil
}

func (t *tx) UpsertChunks(ctx context.Context, chunks []*db.Chunk) error {
	unlock, err := t.lock("UpsertChunks")
	if err != nil {
		return err
	}
	defer unlock()
	s := t.s
	for _, c := range chunks {
		key := chunkKey{c.VersionID, c.ChunkIndex}
		if id, ok := s.chunkIdx[key]; ok {
			prev := *s.chunks[id]
			c.ID = id
			cp := *c
			s.chunks[id] = &cp
			t.undo = append(t.undo, func() { s.chunks[id] = &prev })
			continue
		}
		c.ID = s.nextID()
		cp := *c
		s.chunks[c.ID] = &cp
		s.chunkIdx[key] = c.ID
		id := c.ID
		t.undo = append(t.undo, func() {
			delete(s.chunks, id)
			delete(s.chunkIdx, key)
		})
	}
	return nil
}

func (t *tx) EmbeddedChunkIDs(ctx context.Context, versionID int64, modelID string) (map[int64]bool, error) {
	unlock, err := t.lock("EmbeddedChunkIDs")
	if err != nil {
		return nil, err
	}
	defer unlock()
	ids := make(map[int64]bool)
	for k := range t.s.embeddings {
		if k.modelID != modelID {
			continue
		}
		if c, ok := t.s.chunks[k.chunkID]; ok && c.VersionID == versionID {
			ids[k.chunkID] = true
		}
	}
	return ids, nil
}

func (t *tx) InsertEmbedding(ctx context.Context, emb *db.Embedding) error {
	unlock, err := t.lock("InsertEmbedding")
	if err != nil {
		return err
	}
	defer unlock()
	s := t.s
	key := embeddingKey{emb.ChunkID, emb.ModelID}
	if _, ok := s.embeddings[key]; ok {
		return nil
	}
	cp := *emb
	s.embeddings[key] = &cp
	t.undo = append(t.undo, func() { delete(s.embeddings, key) })
	return nil
}
