package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// JobStore keeps queue records in a map for development and tests.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.JobRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.JobRecord)}
}

// SaveJob inserts or replaces the record for rec.ID.
func (s *JobStore) SaveJob(_ context.Context, rec crawler.JobRecord) error {
	if rec.ID == "" {
		return &crawler.ValidationError{Field: "id", Reason: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.ID] = copyRecord(rec)
	return nil
}

// GetJob fetches a record by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return crawler.JobRecord{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return copyRecord(rec), nil
}

// ListJobs returns every record in submission order.
func (s *JobStore) ListJobs(_ context.Context) ([]crawler.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteJobs removes the given IDs; unknown IDs are ignored.
func (s *JobStore) DeleteJobs(_ context.Context, jobIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range jobIDs {
		delete(s.jobs, id)
	}
	return nil
}

func copyRecord(rec crawler.JobRecord) crawler.JobRecord {
	if rec.Job.Metadata != nil {
		meta := make(map[string]string, len(rec.Job.Metadata))
		for k, v := range rec.Job.Metadata {
			meta[k] = v
		}
		rec.Job.Metadata = meta
	}
	if rec.Result != nil {
		res := *rec.Result
		rec.Result = &res
	}
	rec.StartedAt = pointerTime(rec.StartedAt)
	rec.FinishedAt = pointerTime(rec.FinishedAt)
	return rec
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
