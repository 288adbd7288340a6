package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrow-backend/core/marketplace"
)

const (
	alice = "Neeraj Srivastava"
	bob   = "Florent Thevenin"
	carol = "Soheil Ahmadi"
)

func record(id string, chainID uint64) marketplace.JobRecord {
	return marketplace.JobRecord{
		ChainJobID:        id,
		Title:             "Job " + id,
		Description:       "Build it",
		Tags:              []string{"go"},
		AmountMNEE:        decimal.NewFromInt(100),
		ClientAddress:     "0x1111111111111111111111111111111111111111",
		FreelancerAddress: "0x1111111111111111111111111111111111111111",
		ChainID:           chainID,
		ClientName:        alice,
	}
}

// runStoreSuite exercises a Store implementation. fresh must return an empty store.
func runStoreSuite(t *testing.T, fresh func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("index is idempotent", func(t *testing.T) {
		s := fresh(t)
		job, created, err := s.IndexJob(ctx, record("42", 11155111))
		if err != nil || !created {
			t.Fatalf("Expected job to be created, got created=%v err=%v", created, err)
		}
		if job.Status != marketplace.StatusOpen || job.Version != 1 {
			t.Errorf("Expected OPEN v1 but got %s v%d", job.Status, job.Version)
		}
		again := record("42", 11155111)
		again.Title = "Changed"
		job, created, err = s.IndexJob(ctx, again)
		if err != nil || created {
			t.Fatalf("Expected existing job, got created=%v err=%v", created, err)
		}
		if job.Title != "Job 42" {
			t.Errorf("Expected stored title to be kept, got %s", job.Title)
		}
		if !job.AmountMNEE.Equal(decimal.NewFromInt(100)) {
			t.Errorf("Expected amount 100 but got %s", job.AmountMNEE)
		}
	})

	t.Run("list filters by chain newest first", func(t *testing.T) {
		s := fresh(t)
		s.IndexJob(ctx, record("1", 11155111))
		time.Sleep(2 * time.Millisecond)
		s.IndexJob(ctx, record("2", 11155111))
		s.IndexJob(ctx, record("3", 1))

		jobs, err := s.ListJobs(ctx, JobFilter{ChainID: 11155111})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(jobs) != 2 || jobs[0].ChainJobID != "2" || jobs[1].ChainJobID != "1" {
			t.Errorf("Expected [2 1] but got %v", ids(jobs))
		}
		all, _ := s.ListJobs(ctx, JobFilter{})
		if len(all) != 3 {
			t.Errorf("Expected 3 jobs without filter but got %d", len(all))
		}
		limited, _ := s.ListJobs(ctx, JobFilter{Limit: 1})
		if len(limited) != 1 {
			t.Errorf("Expected limit to apply, got %d", len(limited))
		}
	})

	t.Run("apply with version check", func(t *testing.T) {
		s := fresh(t)
		s.IndexJob(ctx, record("42", 11155111))

		job, err := s.Apply(ctx, "42", bob, 1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job.Version != 2 || len(job.Applicants) != 1 {
			t.Errorf("Expected v2 with one applicant, got v%d %v", job.Version, job.Applicants)
		}
		if _, err := s.Apply(ctx, "42", carol, 1); !errors.Is(err, marketplace.ErrVersionConflict) {
			t.Errorf("Expected ErrVersionConflict but got %v", err)
		}
		job, err = s.Apply(ctx, "42", bob, 0)
		if err != nil || len(job.Applicants) != 1 || job.Version != 2 {
			t.Errorf("Expected re-apply no-op, got v%d %v err=%v", job.Version, job.Applicants, err)
		}
		if _, err := s.Apply(ctx, "42", alice, 0); !errors.Is(err, marketplace.ErrSelfApplication) {
			t.Errorf("Expected ErrSelfApplication but got %v", err)
		}
		if _, err := s.Apply(ctx, "404", bob, 0); !errors.Is(err, marketplace.ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound but got %v", err)
		}
	})

	t.Run("assign and judge", func(t *testing.T) {
		s := fresh(t)
		s.IndexJob(ctx, record("42", 11155111))

		if _, err := s.Assign(ctx, "42", bob, carol, 0); !errors.Is(err, marketplace.ErrNotClient) {
			t.Errorf("Expected ErrNotClient but got %v", err)
		}
		job, err := s.Assign(ctx, "42", alice, bob, 1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job.Status != marketplace.StatusAssigned || job.FreelancerName != bob {
			t.Errorf("Expected ASSIGNED to bob but got %s/%s", job.Status, job.FreelancerName)
		}

		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		job, err = s.RecordSubmission(ctx, marketplace.Submission{
			ID: "s1", ChainJobID: "42", FreelancerName: bob, Notes: "v1",
			Verdict: marketplace.VerdictFail, Reason: "missing tests", CreatedAt: base,
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job.Status != marketplace.StatusAssigned {
			t.Errorf("Expected ASSIGNED after FAIL but got %s", job.Status)
		}

		job, err = s.RecordSubmission(ctx, marketplace.Submission{
			ID: "s2", ChainJobID: "42", FreelancerName: bob, Notes: "v2", Files: []string{"main.go"},
			Verdict: marketplace.VerdictPass, TxHash: "0xabc", CreatedAt: base.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job.Status != marketplace.StatusPaid || job.SettlementTxHash != "0xabc" {
			t.Errorf("Expected PAID with 0xabc but got %s/%s", job.Status, job.SettlementTxHash)
		}

		_, err = s.RecordSubmission(ctx, marketplace.Submission{
			ID: "s3", ChainJobID: "42", FreelancerName: bob, Verdict: marketplace.VerdictPass, CreatedAt: base.Add(2 * time.Minute),
		})
		if !errors.Is(err, marketplace.ErrJobSettled) {
			t.Errorf("Expected ErrJobSettled for a second PASS but got %v", err)
		}

		history, err := s.ListSubmissions(ctx, "42", 0)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(history) != 2 || history[0].ID != "s2" || history[1].ID != "s1" {
			t.Fatalf("Expected [s2 s1] but got %+v", history)
		}
		if history[1].Reason != "missing tests" || len(history[0].Files) != 1 {
			t.Errorf("Unexpected history entries: %+v", history)
		}
	})

	t.Run("duplicate submission id", func(t *testing.T) {
		s := fresh(t)
		s.IndexJob(ctx, record("42", 11155111))
		s.Assign(ctx, "42", alice, bob, 0)
		sub := marketplace.Submission{ID: "dup", ChainJobID: "42", FreelancerName: bob, Verdict: marketplace.VerdictFail}
		if _, err := s.RecordSubmission(ctx, sub); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := s.RecordSubmission(ctx, sub); !errors.Is(err, marketplace.ErrDuplicateSubmission) {
			t.Errorf("Expected ErrDuplicateSubmission but got %v", err)
		}
	})

	t.Run("rekey fallback id", func(t *testing.T) {
		s := fresh(t)
		rec := record("fb-11155111-1700000000000-deadbeef", 11155111)
		rec.IDDegraded = true
		rec.FundingTxHash = "0xDEADBEEF00"
		s.IndexJob(ctx, rec)
		s.IndexJob(ctx, record("7", 11155111))

		found, err := s.FindByFundingTx(ctx, "0xdeadbeef00")
		if err != nil || found.ChainJobID != rec.ChainJobID {
			t.Fatalf("Expected to find the fallback job by tx hash, got %v err=%v", found.ChainJobID, err)
		}
		if _, err := s.RekeyJob(ctx, rec.ChainJobID, "7"); !errors.Is(err, ErrIDTaken) {
			t.Errorf("Expected ErrIDTaken but got %v", err)
		}
		if _, err := s.RekeyJob(ctx, "7", "8"); !errors.Is(err, ErrNotDegraded) {
			t.Errorf("Expected ErrNotDegraded but got %v", err)
		}
		job, err := s.RekeyJob(ctx, rec.ChainJobID, "43")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if job.ChainJobID != "43" || job.IDDegraded || job.Version != 2 {
			t.Errorf("Unexpected rekeyed job: %+v", job)
		}
		if _, err := s.GetJob(ctx, rec.ChainJobID); !errors.Is(err, marketplace.ErrJobNotFound) {
			t.Errorf("Expected old id to be gone, got %v", err)
		}
	})

	t.Run("update amount and refund", func(t *testing.T) {
		s := fresh(t)
		s.IndexJob(ctx, record("42", 11155111))

		job, err := s.UpdateAmount(ctx, "42", decimal.RequireFromString("99.5"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !job.AmountMNEE.Equal(decimal.RequireFromString("99.5")) || job.Version != 2 {
			t.Errorf("Expected 99.5 at v2 but got %s v%d", job.AmountMNEE, job.Version)
		}
		job, _ = s.UpdateAmount(ctx, "42", decimal.RequireFromString("99.5"))
		if job.Version != 2 {
			t.Errorf("Expected unchanged amount to keep v2, got v%d", job.Version)
		}

		job, err = s.Refund(ctx, "42")
		if err != nil || job.Status != marketplace.StatusRefunded {
			t.Fatalf("Expected REFUNDED but got %s err=%v", job.Status, err)
		}
		if _, err := s.Refund(ctx, "42"); !errors.Is(err, marketplace.ErrJobClosed) {
			t.Errorf("Expected ErrJobClosed but got %v", err)
		}
	})

	t.Run("settle", func(t *testing.T) {
		s := fresh(t)
		if _, _, err := s.IndexJob(ctx, record("42", 11155111)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		job, err := s.Settle(ctx, "42", "0xfeed")
		if err != nil || job.Status != marketplace.StatusPaid || job.SettlementTxHash != "0xfeed" {
			t.Fatalf("Expected PAID with 0xfeed but got %s/%s err=%v", job.Status, job.SettlementTxHash, err)
		}
		if job.Version != 2 {
			t.Errorf("Expected settlement to bump version to 2, got %d", job.Version)
		}
		stored, _ := s.GetJob(ctx, "42")
		if stored.Status != marketplace.StatusPaid {
			t.Errorf("Expected stored job PAID but got %s", stored.Status)
		}
		again, err := s.Settle(ctx, "42", "")
		if err != nil || again.Version != 2 {
			t.Errorf("Expected repeat settle to be a no-op, got v%d err=%v", again.Version, err)
		}
		if _, err := s.Refund(ctx, "42"); !errors.Is(err, marketplace.ErrJobClosed) {
			t.Errorf("Expected PAID job to refuse refund, got %v", err)
		}
	})

	t.Run("users", func(t *testing.T) {
		s := fresh(t)
		users, err := s.Users(ctx)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(users) != 5 || users[0].Name != alice {
			t.Errorf("Expected the five built-in identities, got %v", users)
		}
	})
}

func ids(jobs []marketplace.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ChainJobID)
	}
	return out
}
