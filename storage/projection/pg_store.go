package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"escrow-backend/core/marketplace"
)

const jobColumns = `chain_job_id, title, description, amount_mnee::text, tags, client_address, client_name,
freelancer_address, freelancer_name, status, applicants, chain_id, funding_tx_hash, tx_hash,
id_degraded, version, created_at`

// PGStore persists the projection in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, initializes schema, and optionally seeds the identity directory.
func NewPGStore(ctx context.Context, dsn string, seed bool) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if seed {
		if err := s.seedIdentities(ctx, DefaultIdentities()); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS escrow_jobs (
  chain_job_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  amount_mnee NUMERIC(78,18) NOT NULL,
  tags TEXT[] NOT NULL DEFAULT '{}',
  client_address TEXT NOT NULL DEFAULT '',
  client_name TEXT NOT NULL DEFAULT '',
  freelancer_address TEXT NOT NULL DEFAULT '',
  freelancer_name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  applicants TEXT[] NOT NULL DEFAULT '{}',
  chain_id BIGINT NOT NULL,
  funding_tx_hash TEXT NOT NULL DEFAULT '',
  tx_hash TEXT NOT NULL DEFAULT '',
  id_degraded BOOLEAN NOT NULL DEFAULT false,
  version BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS escrow_submissions (
  id TEXT PRIMARY KEY,
  chain_job_id TEXT NOT NULL,
  freelancer_name TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  files TEXT[] NOT NULL DEFAULT '{}',
  verdict TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  tx_hash TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS escrow_identities (
  id INT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  address TEXT NOT NULL,
  avatar TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_escrow_jobs_chain_created ON escrow_jobs(chain_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_escrow_jobs_funding_tx ON escrow_jobs(lower(funding_tx_hash));
CREATE INDEX IF NOT EXISTS idx_escrow_submissions_job ON escrow_submissions(chain_job_id, created_at DESC);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PGStore) seedIdentities(ctx context.Context, identities []marketplace.Identity) error {
	for _, id := range identities {
		_, err := s.pool.Exec(ctx, `
INSERT INTO escrow_identities (id, name, address, avatar)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO NOTHING
`, id.ID, id.Name, id.Address, id.Avatar)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) IndexJob(ctx context.Context, rec marketplace.JobRecord) (marketplace.Job, bool, error) {
	job := marketplace.NewJob(rec, time.Now().UTC())
	tag, err := s.pool.Exec(ctx, `
INSERT INTO escrow_jobs (chain_job_id, title, description, amount_mnee, tags, client_address, client_name,
  freelancer_address, freelancer_name, status, applicants, chain_id, funding_tx_hash, tx_hash, id_degraded, version, created_at)
VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (chain_job_id) DO NOTHING
`, job.ChainJobID, job.Title, job.Description, job.AmountMNEE.String(), job.Tags, job.ClientAddress, job.ClientName,
		job.FreelancerAddress, job.FreelancerName, string(job.Status), job.Applicants, int64(job.ChainID),
		job.FundingTxHash, job.SettlementTxHash, job.IDDegraded, job.Version, job.CreatedAt)
	if err != nil {
		return marketplace.Job{}, false, fmt.Errorf("index job %s: %w", rec.ChainJobID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetJob(ctx, rec.ChainJobID)
		return existing, false, err
	}
	return job, true, nil
}

func (s *PGStore) GetJob(ctx context.Context, jobID string) (marketplace.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM escrow_jobs WHERE chain_job_id=$1`, jobID))
}

func (s *PGStore) ListJobs(ctx context.Context, filter JobFilter) ([]marketplace.Job, error) {
	limit := normalizeLimit(filter.Limit, DefaultJobLimit)
	var (
		rows pgx.Rows
		err  error
	)
	if filter.ChainID != 0 {
		rows, err = s.pool.Query(ctx, `SELECT `+jobColumns+` FROM escrow_jobs WHERE chain_id=$1
ORDER BY created_at DESC, chain_job_id DESC LIMIT $2`, int64(filter.ChainID), limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+jobColumns+` FROM escrow_jobs
ORDER BY created_at DESC, chain_job_id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []marketplace.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PGStore) FindByFundingTx(ctx context.Context, txHash string) (marketplace.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM escrow_jobs
WHERE funding_tx_hash <> '' AND lower(funding_tx_hash)=lower($1) LIMIT 1`, txHash))
}

func (s *PGStore) Apply(ctx context.Context, jobID, applicant string, expectedVersion int64) (marketplace.Job, error) {
	return s.mutate(ctx, jobID, expectedVersion, marketplace.Action{Event: marketplace.EventApply, Actor: applicant})
}

func (s *PGStore) Assign(ctx context.Context, jobID, actor, worker string, expectedVersion int64) (marketplace.Job, error) {
	return s.mutate(ctx, jobID, expectedVersion, marketplace.Action{Event: marketplace.EventAssign, Actor: actor, Target: worker})
}

func (s *PGStore) Refund(ctx context.Context, jobID string) (marketplace.Job, error) {
	return s.mutate(ctx, jobID, 0, marketplace.Action{Event: marketplace.EventRefund})
}

func (s *PGStore) Settle(ctx context.Context, jobID, settlementTx string) (marketplace.Job, error) {
	return s.mutate(ctx, jobID, 0, marketplace.Action{Event: marketplace.EventSettle, SettlementTx: settlementTx})
}

// mutate locks the row, runs the transition and writes the next version.
func (s *PGStore) mutate(ctx context.Context, jobID string, expectedVersion int64, a marketplace.Action) (marketplace.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return marketplace.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM escrow_jobs WHERE chain_job_id=$1 FOR UPDATE`, jobID))
	if err != nil {
		return marketplace.Job{}, err
	}
	next, changed, err := applyAction(job, expectedVersion, a)
	if err != nil || !changed {
		return job, err
	}
	if err := updateJob(ctx, tx, job.ChainJobID, next); err != nil {
		return job, err
	}
	if err := tx.Commit(ctx); err != nil {
		return job, err
	}
	return next, nil
}

func (s *PGStore) RecordSubmission(ctx context.Context, sub marketplace.Submission) (marketplace.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return marketplace.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM escrow_jobs WHERE chain_job_id=$1 FOR UPDATE`, sub.ChainJobID))
	if err != nil {
		return marketplace.Job{}, err
	}
	next, err := marketplace.ApplyVerdict(job, sub.FreelancerName, sub.Verdict, sub.TxHash)
	if err != nil {
		return job, err
	}
	next.Version = job.Version + 1
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	files := sub.Files
	if files == nil {
		files = []string{}
	}
	_, err = tx.Exec(ctx, `
INSERT INTO escrow_submissions (id, chain_job_id, freelancer_name, notes, files, verdict, reason, tx_hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, sub.ID, sub.ChainJobID, sub.FreelancerName, sub.Notes, files, string(sub.Verdict), sub.Reason, sub.TxHash, sub.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return job, fmt.Errorf("%w: %s", marketplace.ErrDuplicateSubmission, sub.ID)
		}
		return job, err
	}
	if err := updateJob(ctx, tx, job.ChainJobID, next); err != nil {
		return job, err
	}
	if err := tx.Commit(ctx); err != nil {
		return job, err
	}
	log.Debug().Str("job_id", sub.ChainJobID).Str("verdict", string(sub.Verdict)).Msg("submission stored")
	return next, nil
}

func (s *PGStore) ListSubmissions(ctx context.Context, jobID string, limit int) ([]marketplace.Submission, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, chain_job_id, freelancer_name, notes, files, verdict, reason, tx_hash, created_at
FROM escrow_submissions WHERE chain_job_id=$1
ORDER BY created_at DESC LIMIT $2
`, jobID, normalizeLimit(limit, DefaultSubmissionLimit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []marketplace.Submission{}
	for rows.Next() {
		var sub marketplace.Submission
		var verdict string
		if err := rows.Scan(&sub.ID, &sub.ChainJobID, &sub.FreelancerName, &sub.Notes, &sub.Files, &verdict, &sub.Reason, &sub.TxHash, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Verdict = marketplace.Verdict(verdict)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PGStore) RekeyJob(ctx context.Context, oldID, newID string) (marketplace.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return marketplace.Job{}, err
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM escrow_jobs WHERE chain_job_id=$1 FOR UPDATE`, oldID))
	if err != nil {
		return marketplace.Job{}, err
	}
	if !job.IDDegraded {
		return job, fmt.Errorf("%w: %s", ErrNotDegraded, oldID)
	}
	var taken bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM escrow_jobs WHERE chain_job_id=$1)`, newID).Scan(&taken); err != nil {
		return job, err
	}
	if taken {
		return job, fmt.Errorf("%w: %s", ErrIDTaken, newID)
	}

	next := job
	next.ChainJobID = newID
	next.IDDegraded = false
	next.Version = job.Version + 1
	if err := updateJob(ctx, tx, oldID, next); err != nil {
		return job, err
	}
	if _, err := tx.Exec(ctx, `UPDATE escrow_submissions SET chain_job_id=$2 WHERE chain_job_id=$1`, oldID, newID); err != nil {
		return job, err
	}
	if err := tx.Commit(ctx); err != nil {
		return job, err
	}
	return next, nil
}

func (s *PGStore) UpdateAmount(ctx context.Context, jobID string, amount decimal.Decimal) (marketplace.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
UPDATE escrow_jobs SET amount_mnee=$2::numeric, version=version+1
WHERE chain_job_id=$1 AND amount_mnee <> $2::numeric
RETURNING `+jobColumns, jobID, amount.String()))
	if errors.Is(err, marketplace.ErrJobNotFound) {
		// Either missing or already equal.
		return s.GetJob(ctx, jobID)
	}
	return job, err
}

func (s *PGStore) Users(ctx context.Context) ([]marketplace.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, address, avatar FROM escrow_identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []marketplace.Identity{}
	for rows.Next() {
		var id marketplace.Identity
		if err := rows.Scan(&id.ID, &id.Name, &id.Address, &id.Avatar); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// updateJob writes next over the row currently keyed by key.
func updateJob(ctx context.Context, tx pgx.Tx, key string, next marketplace.Job) error {
	_, err := tx.Exec(ctx, `
UPDATE escrow_jobs SET chain_job_id=$2, freelancer_name=$3, status=$4, applicants=$5, tx_hash=$6,
  id_degraded=$7, version=$8, amount_mnee=$9::numeric
WHERE chain_job_id=$1
`, key, next.ChainJobID, next.FreelancerName, string(next.Status), next.Applicants, next.SettlementTxHash,
		next.IDDegraded, next.Version, next.AmountMNEE.String())
	return err
}

func scanJob(row pgx.Row) (marketplace.Job, error) {
	var (
		job     marketplace.Job
		amount  string
		status  string
		chainID int64
	)
	err := row.Scan(&job.ChainJobID, &job.Title, &job.Description, &amount, &job.Tags, &job.ClientAddress, &job.ClientName,
		&job.FreelancerAddress, &job.FreelancerName, &status, &job.Applicants, &chainID, &job.FundingTxHash, &job.SettlementTxHash,
		&job.IDDegraded, &job.Version, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Job{}, marketplace.ErrJobNotFound
	}
	if err != nil {
		return marketplace.Job{}, err
	}
	job.AmountMNEE, err = decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("job %s: parse amount %q: %w", job.ChainJobID, amount, err)
	}
	job.Status = marketplace.Status(status)
	job.ChainID = uint64(chainID)
	if job.Tags == nil {
		job.Tags = []string{}
	}
	if job.Applicants == nil {
		job.Applicants = []string{}
	}
	return job, nil
}

var _ Store = (*PGStore)(nil)
