package projection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"escrow-backend/core/marketplace"
)

// MemoryStore holds the projection in memory. A single RWMutex guards jobs
// and submissions so verdict writes touch both atomically.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]marketplace.Job
	submissions map[string][]marketplace.Submission
	identities  []marketplace.Identity
	now         func() time.Time
}

// NewMemoryStore returns an empty store. A nil identities slice uses the
// built-in directory.
func NewMemoryStore(identities []marketplace.Identity) *MemoryStore {
	if identities == nil {
		identities = DefaultIdentities()
	}
	return &MemoryStore{
		jobs:        make(map[string]marketplace.Job),
		submissions: make(map[string][]marketplace.Submission),
		identities:  identities,
		now:         time.Now,
	}
}

func (s *MemoryStore) IndexJob(ctx context.Context, rec marketplace.JobRecord) (marketplace.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[rec.ChainJobID]; ok {
		return cloneJob(existing), false, nil
	}
	job := marketplace.NewJob(rec, s.now().UTC())
	s.jobs[job.ChainJobID] = job
	return cloneJob(job), true, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (marketplace.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return marketplace.Job{}, marketplace.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]marketplace.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]marketplace.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.ChainID != 0 && j.ChainID != filter.ChainID {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ChainJobID > out[k].ChainJobID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit := normalizeLimit(filter.Limit, DefaultJobLimit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByFundingTx(ctx context.Context, txHash string) (marketplace.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.FundingTxHash != "" && strings.EqualFold(j.FundingTxHash, txHash) {
			return cloneJob(j), nil
		}
	}
	return marketplace.Job{}, marketplace.ErrJobNotFound
}

func (s *MemoryStore) Apply(ctx context.Context, jobID, applicant string, expectedVersion int64) (marketplace.Job, error) {
	return s.mutate(jobID, expectedVersion, marketplace.Action{Event: marketplace.EventApply, Actor: applicant})
}

func (s *MemoryStore) Assign(ctx context.Context, jobID, actor, worker string, expectedVersion int64) (marketplace.Job, error) {
	return s.mutate(jobID, expectedVersion, marketplace.Action{Event: marketplace.EventAssign, Actor: actor, Target: worker})
}

func (s *MemoryStore) Refund(ctx context.Context, jobID string) (marketplace.Job, error) {
	return s.mutate(jobID, 0, marketplace.Action{Event: marketplace.EventRefund})
}

func (s *MemoryStore) Settle(ctx context.Context, jobID, settlementTx string) (marketplace.Job, error) {
	return s.mutate(jobID, 0, marketplace.Action{Event: marketplace.EventSettle, SettlementTx: settlementTx})
}

func (s *MemoryStore) mutate(jobID string, expectedVersion int64, a marketplace.Action) (marketplace.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return marketplace.Job{}, marketplace.ErrJobNotFound
	}
	next, changed, err := applyAction(job, expectedVersion, a)
	if err != nil {
		return cloneJob(job), err
	}
	if changed {
		s.jobs[jobID] = next
	}
	return cloneJob(next), nil
}

func (s *MemoryStore) RecordSubmission(ctx context.Context, sub marketplace.Submission) (marketplace.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[sub.ChainJobID]
	if !ok {
		return marketplace.Job{}, marketplace.ErrJobNotFound
	}
	for _, existing := range s.submissions[sub.ChainJobID] {
		if existing.ID == sub.ID {
			return cloneJob(job), fmt.Errorf("%w: %s", marketplace.ErrDuplicateSubmission, sub.ID)
		}
	}
	next, err := marketplace.ApplyVerdict(job, sub.FreelancerName, sub.Verdict, sub.TxHash)
	if err != nil {
		return cloneJob(job), err
	}
	next.Version = job.Version + 1
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	s.jobs[sub.ChainJobID] = next
	s.submissions[sub.ChainJobID] = append(s.submissions[sub.ChainJobID], sub)
	return cloneJob(next), nil
}

func (s *MemoryStore) ListSubmissions(ctx context.Context, jobID string, limit int) ([]marketplace.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.submissions[jobID]
	limit = normalizeLimit(limit, DefaultSubmissionLimit)
	out := make([]marketplace.Submission, 0, len(history))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *MemoryStore) RekeyJob(ctx context.Context, oldID, newID string) (marketplace.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[oldID]
	if !ok {
		return marketplace.Job{}, marketplace.ErrJobNotFound
	}
	if !job.IDDegraded {
		return cloneJob(job), fmt.Errorf("%w: %s", ErrNotDegraded, oldID)
	}
	if _, taken := s.jobs[newID]; taken {
		return cloneJob(job), fmt.Errorf("%w: %s", ErrIDTaken, newID)
	}
	job.ChainJobID = newID
	job.IDDegraded = false
	job.Version++
	delete(s.jobs, oldID)
	s.jobs[newID] = job

	subs := s.submissions[oldID]
	for i := range subs {
		subs[i].ChainJobID = newID
	}
	delete(s.submissions, oldID)
	if len(subs) > 0 {
		s.submissions[newID] = subs
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) UpdateAmount(ctx context.Context, jobID string, amount decimal.Decimal) (marketplace.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return marketplace.Job{}, marketplace.ErrJobNotFound
	}
	if job.AmountMNEE.Equal(amount) {
		return cloneJob(job), nil
	}
	job.AmountMNEE = amount
	job.Version++
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

func (s *MemoryStore) Users(ctx context.Context) ([]marketplace.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]marketplace.Identity(nil), s.identities...), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() {}

func cloneJob(j marketplace.Job) marketplace.Job {
	j.Tags = append([]string{}, j.Tags...)
	j.Applicants = append([]string{}, j.Applicants...)
	return j
}

var _ Store = (*MemoryStore)(nil)
