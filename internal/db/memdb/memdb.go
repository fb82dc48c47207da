// Package memdb is an in-memory implementation of db.Store for tests.
//
// Transactions write through to the shared state and keep an undo log;
// Rollback replays it in reverse. Writes are therefore visible before Commit,
// which is enough for single-run tests but not a model of isolation.
package memdb

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dream-ai/docrag/internal/db"
)

type chunkKey struct {
	versionID int64
	index     int
}

type embeddingKey struct {
	chunkID int64
	modelID string
}

// Store is a mutex-guarded in-memory db.Store
type Store struct {
	mu sync.Mutex

	seq        int64
	docs       map[int64]*db.Document
	versions   map[int64]*db.DocumentVersion
	blobs      map[int64]*db.Blob
	texts      map[int64]*db.ExtractedText
	chunks     map[int64]*db.Chunk
	chunkIdx   map[chunkKey]int64
	embeddings map[embeddingKey]*db.Embedding
	jobs       map[int64]*db.Job

	errs map[string]error

	// Now is the clock used for timestamps.
	Now func() time.Time
}

var _ db.Store = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{
		docs:       make(map[int64]*db.Document),
		versions:   make(map[int64]*db.DocumentVersion),
		blobs:      make(map[int64]*db.Blob),
		texts:      make(map[int64]*db.ExtractedText),
		chunks:     make(map[int64]*db.Chunk),
		chunkIdx:   make(map[chunkKey]int64),
		embeddings: make(map[embeddingKey]*db.Embedding),
		jobs:       make(map[int64]*db.Job),
		errs:       make(map[string]error),
		Now:        time.Now,
	}
}

// FailOn makes the named operation (a method name such as "InsertEmbedding")
// return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

func (s *Store) injected(op string) error {
	return s.errs[op]
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// Document returns a copy of a document regardless of tenant
func (s *Store) Document(docID int64) (db.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return db.Document{}, false
	}
	return *d, true
}

// Job returns a copy of a job regardless of tenant
func (s *Store) Job(jobID int64) (db.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return db.Job{}, false
	}
	return *j, true
}

// VersionChunks returns the chunks of a version ordered by index
func (s *Store) VersionChunks(versionID int64) []db.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Chunk
	for _, c := range s.chunks {
		if c.VersionID == versionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

// ExtractedText returns the stored text of a version
func (s *Store) ExtractedText(versionID int64) (db.ExtractedText, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.texts[versionID]
	if !ok {
		return db.ExtractedText{}, false
	}
	return *t, true
}

// EmbeddingCount counts embeddings stored under a model
func (s *Store) EmbeddingCount(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.embeddings {
		if k.modelID == modelID {
			n++
		}
	}
	return n
}

// PutEmbedding stores an embedding directly, outside any transaction
func (s *Store) PutEmbedding(emb db.Embedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[embeddingKey{emb.ChunkID, emb.ModelID}] = &emb
}

func (s *Store) GetDocument(ctx context.Context, tenantID, docID int64) (*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetDocument"); err != nil {
		return nil, err
	}
	d, ok := s.docs[docID]
	if !ok || d.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDocuments(ctx context.Context, tenantID int64) ([]*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Document
	for _, d := range s.docs {
		if d.TenantID == tenantID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) SetDocumentStatus(ctx context.Context, docID int64, status db.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("SetDocumentStatus"); err != nil {
		return err
	}
	return s.setStatus(docID, status, nil)
}

func (s *Store) setStatus(docID int64, status db.DocumentStatus, undo *[]func()) error {
	d, ok := s.docs[docID]
	if !ok {
		return db.ErrNotFound
	}
	prev := *d
	now := s.Now()
	d.Status = status
	d.UpdatedAt = &now
	if undo != nil {
		*undo = append(*undo, func() { *d = prev })
	}
	return nil
}

func (s *Store) LatestVersion(ctx context.Context, docID int64) (*db.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestVersion(docID)
}

func (s *Store) latestVersion(docID int64) (*db.DocumentVersion, error) {
	var best *db.DocumentVersion
	for _, v := range s.versions {
		if v.DocumentID == docID && (best == nil || v.VersionNum > best.VersionNum) {
			best = v
		}
	}
	if best == nil {
		return nil, db.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) GetChunks(ctx context.Context, tenantID int64, chunkIDs []int64) ([]*db.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Chunk
	for _, id := range chunkIDs {
		if c, ok := s.chunks[id]; ok && c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Begin(ctx context.Context) (db.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Begin"); err != nil {
		return nil, err
	}
	return &tx{s: s}, nil
}

func (s *Store) EnqueueJob(ctx context.Context, job *db.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("EnqueueJob"); err != nil {
		return err
	}
	job.ID = s.nextID()
	job.Status = db.JobQueued
	job.CreatedAt = s.Now()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, tenantID, jobID int64) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) NextQueuedJob(ctx context.Context) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("NextQueuedJob"); err != nil {
		return nil, err
	}
	var best *db.Job
	for _, j := range s.jobs {
		if j.Status != db.JobQueued || j.Attempts >= j.MaxAttempts {
			continue
		}
		if best == nil || jobBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func jobBefore(a, b *db.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) ClaimJob(ctx context.Context, jobID int64, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ClaimJob"); err != nil {
		return false, err
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status != db.JobQueued || j.Attempts >= j.MaxAttempts {
		return false, nil
	}
	now := s.Now()
	owner := workerID
	j.Status = db.JobRunning
	j.LockedAt = &now
	j.LockedBy = &owner
	j.UpdatedAt = &now
	j.Attempts++
	return true, nil
}

func (s *Store) JobAttempts(ctx context.Context, jobID int64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return 0, 0, db.ErrNotFound
	}
	return j.Attempts, j.MaxAttempts, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID int64, workerID string) error {
	return s.finishJob(jobID, workerID, db.JobSucceeded, nil, "CompleteJob")
}

func (s *Store) RequeueJob(ctx context.Context, jobID int64, workerID, lastError string) error {
	return s.finishJob(jobID, workerID, db.JobQueued, &lastError, "RequeueJob")
}

func (s *Store) FailJob(ctx context.Context, jobID int64, workerID, lastError string) error {
	return s.finishJob(jobID, workerID, db.JobFailed, &lastError, "FailJob")
}

func (s *Store) finishJob(jobID int64, workerID string, status db.JobStatus, lastError *string, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(op); err != nil {
		return err
	}
	j, ok := s.jobs[jobID]
	if !ok || j.Status != db.JobRunning || j.LockedBy == nil || *j.LockedBy != workerID {
		return nil
	}
	now := s.Now()
	j.Status = status
	j.LastError = lastError
	j.LockedAt = nil
	j.LockedBy = nil
	j.UpdatedAt = &now
	return nil
}

func (s *Store) ReclaimExpiredJobs(ctx context.Context, lease time.Duration, reason string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requeued, failed int64
	now := s.Now()
	cutoff := now.Add(-lease)
	for _, j := range s.jobs {
		if j.Status != db.JobRunning || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		msg := reason
		if j.Attempts < j.MaxAttempts {
			j.Status = db.JobQueued
			requeued++
		} else {
			j.Status = db.JobFailed
			failed++
		}
		j.LastError = &msg
		j.LockedAt = nil
		j.LockedBy = nil
		j.UpdatedAt = &now
	}
	return requeued, failed, nil
}

func (s *Store) VectorSearch(ctx context.Context, q db.VectorQuery) ([]*db.ChunkHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("VectorSearch"); err != nil {
		return nil, err
	}
	if q.Metric != "" && q.Metric != db.MetricCosine && q.Metric != db.MetricL2 {
		return nil, db.ErrUnknownMetric
	}
	allowed := docFilter(q.DocIDs)
	var hits []*db.ChunkHit
	for k, e := range s.embeddings {
		if e.TenantID != q.TenantID || k.modelID != q.ModelID || e.Dim != q.Dim {
			continue
		}
		c, ok := s.chunks[k.chunkID]
		if !ok || c.TenantID != q.TenantID || !allowed(c.DocumentID) {
			continue
		}
		hits = append(hits, hitFor(c, distance(q.Metric, e.Vector.Slice(), q.Vector.Slice())))
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score < hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return limit(hits, q.Limit), nil
}

func (s *Store) TextSearch(ctx context.Context, q db.TextQuery) ([]*db.ChunkHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TextSearch"); err != nil {
		return nil, err
	}
	var terms []string
	for _, t := range strings.Split(q.Query, "&") {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}
	allowed := docFilter(q.DocIDs)
	var hits []*db.ChunkHit
	for _, c := range s.chunks {
		if c.TenantID != q.TenantID || !allowed(c.DocumentID) {
			continue
		}
		counts := make(map[string]int)
		words := strings.FieldsFunc(strings.ToLower(c.Text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsMark(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			counts[w]++
		}
		total := 0
		for _, t := range terms {
			if counts[t] == 0 {
				total = 0
				break
			}
			total += counts[t]
		}
		if total == 0 {
			continue
		}
		hits = append(hits, hitFor(c, float64(total)/float64(len(words))))
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return limit(hits, q.Limit), nil
}

func docFilter(ids []int64) func(int64) bool {
	if ids == nil {
		return func(int64) bool { return true }
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id int64) bool { return set[id] }
}

func hitFor(c *db.Chunk, score float64) *db.ChunkHit {
	return &db.ChunkHit{
		ChunkID:     c.ID,
		DocumentID:  c.DocumentID,
		PageStart:   c.PageStart,
		PageEnd:     c.PageEnd,
		SectionPath: c.SectionPath,
		Text:        c.Text,
		Score:       score,
	}
}

func limit(hits []*db.ChunkHit, n int) []*db.ChunkHit {
	if n >= 0 && len(hits) > n {
		return hits[:n]
	}
	return hits
}

func distance(m db.Metric, a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	if m == db.MetricL2 {
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
