package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"escrow-backend/chain"
	"escrow-backend/core/marketplace"
	"escrow-backend/metrics"
	"escrow-backend/network"
	scstore "escrow-backend/storage/projection"
)

// ChainReader is the read side of an Ethereum client the sweep needs.
type ChainReader interface {
	ethereum.LogFilterer
	ethereum.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// Store is the projection surface the sweep repairs.
type Store interface {
	IndexJob(ctx context.Context, rec marketplace.JobRecord) (marketplace.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (marketplace.Job, error)
	ListJobs(ctx context.Context, filter scstore.JobFilter) ([]marketplace.Job, error)
	FindByFundingTx(ctx context.Context, txHash string) (marketplace.Job, error)
	RekeyJob(ctx context.Context, oldID, newID string) (marketplace.Job, error)
	UpdateAmount(ctx context.Context, jobID string, amount decimal.Decimal) (marketplace.Job, error)
	Refund(ctx context.Context, jobID string) (marketplace.Job, error)
	Settle(ctx context.Context, jobID, settlementTx string) (marketplace.Job, error)
	Users(ctx context.Context) ([]marketplace.Identity, error)
}

// Report counts the repairs one sweep made.
type Report struct {
	Events         int
	Published      int
	Rekeyed        int
	AmountsFixed   int
	Refunded       int
	Settled        int
	ScannedToBlock uint64
}

// Config tunes a Sweeper.
type Config struct {
	// FromBlock is where the first sweep starts scanning.
	FromBlock uint64
	// BlockSpan bounds each eth_getLogs range. Defaults to 5000.
	BlockSpan uint64
	// AuditLimit is how many recent jobs each sweep re-reads from the contract.
	AuditLimit int
}

// Sweeper re-derives the projection from escrow contract state. The contract
// is authoritative for whether and how much a job is funded.
type Sweeper struct {
	reader  ChainReader
	store   Store
	profile network.Profile
	escrow  common.Address
	metrics *metrics.Collectors
	cfg     Config

	mu     sync.Mutex
	cursor uint64
}

// NewSweeper builds a sweeper for profile's escrow contract.
func NewSweeper(reader ChainReader, store Store, profile network.Profile, m *metrics.Collectors, cfg Config) (*Sweeper, error) {
	if !common.IsHexAddress(profile.EscrowAddress) {
		return nil, fmt.Errorf("profile %q: escrow address %q is not a hex address", profile.Key, profile.EscrowAddress)
	}
	if cfg.BlockSpan == 0 {
		cfg.BlockSpan = 5000
	}
	if cfg.AuditLimit <= 0 {
		cfg.AuditLimit = scstore.DefaultJobLimit
	}
	return &Sweeper{
		reader:  reader,
		store:   store,
		profile: profile,
		escrow:  common.HexToAddress(profile.EscrowAddress),
		metrics: m,
		cfg:     cfg,
		cursor:  cfg.FromBlock,
	}, nil
}

// Start runs Sweep every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if report, err := s.Sweep(ctx); err != nil {
				log.Warn().Err(err).Uint64("chain_id", s.profile.ChainID).Msg("reconcile sweep failed")
			} else if report.Published+report.Rekeyed+report.AmountsFixed+report.Refunded+report.Settled > 0 {
				log.Info().
					Uint64("chain_id", s.profile.ChainID).
					Int("published", report.Published).
					Int("rekeyed", report.Rekeyed).
					Int("amounts_fixed", report.AmountsFixed).
					Int("refunded", report.Refunded).
					Int("settled", report.Settled).
					Msg("reconcile sweep repaired projection")
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

// Sweep scans new JobCreated events and audits recent jobs once.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	head, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return report, fmt.Errorf("read chain head: %w", err)
	}
	directory, err := s.store.Users(ctx)
	if err != nil {
		return report, fmt.Errorf("load identity directory: %w", err)
	}

	for from := s.cursor; from <= head; {
		to := from + s.cfg.BlockSpan - 1
		if to > head {
			to = head
		}
		events, err := chain.FilterJobCreated(ctx, s.reader, s.escrow, from, to)
		if err != nil {
			return report, err
		}
		for _, ev := range events {
			report.Events++
			if err := s.reconcileEvent(ctx, ev, directory, &report); err != nil {
				return report, fmt.Errorf("job %s: %w", ev.JobID, err)
			}
		}
		s.cursor = to + 1
		report.ScannedToBlock = to
		from = to + 1
	}

	if err := s.audit(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Sweeper) reconcileEvent(ctx context.Context, ev chain.JobCreatedEvent, directory []marketplace.Identity, report *Report) error {
	id := ev.JobID.String()
	logger := log.With().Str("job_id", id).Str("tx_hash", ev.TxHash.Hex()).Uint64("chain_id", s.profile.ChainID).Logger()

	job, err := s.store.GetJob(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, marketplace.ErrJobNotFound):
		job, err = s.recover(ctx, ev, directory, report)
		if err != nil {
			return err
		}
	default:
		return err
	}

	chainAmount := marketplace.FromBaseUnits(ev.Amount, s.profile.Decimals())
	if ev.Amount != nil && !job.AmountMNEE.Equal(chainAmount) {
		if _, err := s.store.UpdateAmount(ctx, id, chainAmount); err != nil {
			return err
		}
		report.AmountsFixed++
		s.metrics.Reconciled("amount_corrected")
		logger.Info().Str("projected", job.AmountMNEE.String()).Str("on_chain", chainAmount.String()).Msg("corrected job amount to chain value")
	}
	return nil
}

// recover handles an event with no projection under its canonical id: either a
// fallback-keyed record from the same transaction, or a publish that never happened.
func (s *Sweeper) recover(ctx context.Context, ev chain.JobCreatedEvent, directory []marketplace.Identity, report *Report) (marketplace.Job, error) {
	id := ev.JobID.String()
	fallback, err := s.store.FindByFundingTx(ctx, ev.TxHash.Hex())
	if err == nil && fallback.IDDegraded {
		job, err := s.store.RekeyJob(ctx, fallback.ChainJobID, id)
		if err != nil {
			return marketplace.Job{}, err
		}
		report.Rekeyed++
		s.metrics.Reconciled("rekeyed")
		log.Info().Str("fallback_id", fallback.ChainJobID).Str("job_id", id).Msg("re-keyed fallback job to canonical id")
		return job, nil
	}
	if err != nil && !errors.Is(err, marketplace.ErrJobNotFound) {
		return marketplace.Job{}, err
	}

	onChain, err := chain.LookupJob(ctx, s.reader, s.escrow, ev.JobID)
	if err != nil {
		return marketplace.Job{}, err
	}
	amount := ev.Amount
	if amount == nil {
		amount = onChain.Amount
	}
	job, created, err := s.store.IndexJob(ctx, marketplace.JobRecord{
		ChainJobID:        id,
		Title:             titleFrom(onChain.Description, id),
		Description:       onChain.Description,
		Tags:              []string{},
		AmountMNEE:        marketplace.FromBaseUnits(amount, s.profile.Decimals()),
		ClientAddress:     ev.Client.Hex(),
		FreelancerAddress: ev.Freelancer.Hex(),
		ChainID:           s.profile.ChainID,
		ClientName:        nameFor(directory, ev.Client),
		FundingTxHash:     ev.TxHash.Hex(),
	})
	if err != nil {
		return marketplace.Job{}, err
	}
	if created {
		report.Published++
		s.metrics.Reconciled("published")
		log.Warn().Str("job_id", id).Str("tx_hash", ev.TxHash.Hex()).Msg("republished job missing from projection")
	}
	return job, nil
}

// audit re-reads recent open jobs from the contract and applies settlements
// the projection missed: refunds and releases.
func (s *Sweeper) audit(ctx context.Context, report *Report) error {
	jobs, err := s.store.ListJobs(ctx, scstore.JobFilter{ChainID: s.profile.ChainID, Limit: s.cfg.AuditLimit})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status.Terminal() || job.IDDegraded {
			continue
		}
		id, ok := new(big.Int).SetString(job.ChainJobID, 10)
		if !ok || id.Sign() < 0 {
			continue
		}
		onChain, err := chain.LookupJob(ctx, s.reader, s.escrow, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", job.ChainJobID).Msg("escrow lookup failed during audit")
			continue
		}
		if !onChain.IsSettled {
			continue
		}
		if onChain.IsApproved {
			if _, err := s.store.Settle(ctx, job.ChainJobID, ""); err != nil {
				return err
			}
			report.Settled++
			s.metrics.Reconciled("settled")
			log.Warn().Str("job_id", job.ChainJobID).Str("status", string(job.Status)).Msg("escrow released funds, job marked PAID")
			continue
		}
		if _, err := s.store.Refund(ctx, job.ChainJobID); err != nil {
			return err
		}
		report.Refunded++
		s.metrics.Reconciled("refunded")
		log.Info().Str("job_id", job.ChainJobID).Msg("escrow refunded client, job marked REFUNDED")
	}
	return nil
}

func titleFrom(description, id string) string {
	line := strings.TrimSpace(strings.SplitN(description, "\n", 2)[0])
	if line == "" {
		return "Job #" + id
	}
	if r := []rune(line); len(r) > 80 {
		return string(r[:80])
	}
	return line
}

func nameFor(directory []marketplace.Identity, addr common.Address) string {
	for _, u := range directory {
		if common.IsHexAddress(u.Address) && common.HexToAddress(u.Address) == addr {
			return u.Name
		}
	}
	return ""
}
