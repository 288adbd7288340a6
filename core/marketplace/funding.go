package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"escrow-backend/chain"
	"escrow-backend/metrics"
	"escrow-backend/network"
)

// Funding step ordinals.
const (
	StepIdle       = 0
	StepAllowance  = 1
	StepFunding    = 2
	StepProjection = 3
)

var stepText = map[int]string{
	StepAllowance:  "Step 1/3: Approving budget transfer...",
	StepFunding:    "Step 2/3: Funding escrow smart contract...",
	StepProjection: "Step 3/3: Publishing job to marketplace...",
}

// Publisher is the projection write performed once funds are locked.
type Publisher interface {
	PublishJob(ctx context.Context, rec JobRecord) (Job, error)
}

// FundRequest describes a job to fund and publish.
type FundRequest struct {
	Title       string
	Description string
	Amount      decimal.Decimal
	Tags        []string
}

// FundResult is the outcome of a funding sequence. It is also returned next to
// a ProjectionPublishError so the record can be retried.
type FundResult struct {
	Job        Job
	Record     JobRecord
	ApprovalTx string
	FundingTx  string
	Degraded   bool
}

// Progress exposes the current step of the running (or last) funding attempt.
type Progress struct {
	mu        sync.RWMutex
	current   TransactionStep
	listeners []func(TransactionStep)
}

// Current returns the latest step snapshot.
func (p *Progress) Current() TransactionStep {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe registers fn to receive every step update.
func (p *Progress) Subscribe(fn func(TransactionStep)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Progress) set(step TransactionStep) {
	p.mu.Lock()
	p.current = step
	listeners := append([]func(TransactionStep){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(step)
	}
}

// Orchestrator drives allowance, funding, id derivation and projection
// publish, strictly in that order.
type Orchestrator struct {
	running   sync.Mutex
	wallet    chain.Wallet
	publisher Publisher
	resolver  *chain.Resolver
	metrics   *metrics.Collectors
	progress  *Progress
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMetrics records step outcomes on c.
func WithMetrics(c *metrics.Collectors) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithResolver replaces the canonical id resolver.
func WithResolver(r *chain.Resolver) OrchestratorOption {
	return func(o *Orchestrator) { o.resolver = r }
}

// NewOrchestrator wires a wallet and a projection publisher.
func NewOrchestrator(wallet chain.Wallet, publisher Publisher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		wallet:    wallet,
		publisher: publisher,
		resolver:  chain.NewResolver(),
		progress:  &Progress{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Progress returns the observable step tracker.
func (o *Orchestrator) Progress() *Progress { return o.progress }

// Fund runs the whole funding sequence against the session's active profile.
// Addresses are read from the profile once per call. On failure the returned
// error is a *StepError naming the failing ordinal; a publish failure also
// returns the partially filled result.
func (o *Orchestrator) Fund(ctx context.Context, sess Session, req FundRequest) (*FundResult, error) {
	if !o.running.TryLock() {
		return nil, ErrFundingInFlight
	}
	defer o.running.Unlock()

	if o.wallet == nil {
		return nil, o.fail(StepIdle, ErrWalletRequired)
	}
	if sess.Networks == nil {
		return nil, o.fail(StepIdle, fmt.Errorf("session has no network selection"))
	}
	profile := sess.Networks.ActiveProfile()
	amount, err := validateFund(req, profile)
	if err != nil {
		return nil, o.fail(StepIdle, err)
	}
	token := common.HexToAddress(profile.TokenAddress)
	escrow := common.HexToAddress(profile.EscrowAddress)
	logger := log.With().Uint64("chain_id", profile.ChainID).Str("title", req.Title).Logger()

	// Step 1: network alignment and allowance.
	o.enter(StepAllowance)
	if err := o.alignNetwork(ctx, profile); err != nil {
		return nil, o.fail(StepAllowance, err)
	}
	approveData, err := chain.EncodeApprove(escrow, amount)
	if err != nil {
		return nil, o.fail(StepAllowance, fmt.Errorf("encode approve: %w", err))
	}
	approveReceipt, err := o.wallet.Transact(ctx, chain.Call{To: token, Data: approveData, GasLimit: chain.ApproveGasLimit})
	if err != nil {
		return nil, o.fail(StepAllowance, classifyTxError(StepAllowance, approveReceipt, err))
	}
	o.metrics.FundingStep(StepAllowance, "ok")
	logger.Info().Str("tx_hash", approveReceipt.TxHash.Hex()).Msg("allowance confirmed")

	// Step 2: job creation on the escrow contract.
	o.enter(StepFunding)
	createData, err := chain.EncodeCreateJob(o.wallet.Address(), amount, req.Description)
	if err != nil {
		return nil, o.fail(StepFunding, fmt.Errorf("encode createJob: %w", err))
	}
	fundReceipt, err := o.wallet.Transact(ctx, chain.Call{To: escrow, Data: createData, GasLimit: chain.CreateJobGasLimit})
	if err != nil {
		return nil, o.fail(StepFunding, classifyTxError(StepFunding, fundReceipt, err))
	}
	o.metrics.FundingStep(StepFunding, "ok")
	logger.Info().Str("tx_hash", fundReceipt.TxHash.Hex()).Msg("escrow funded")

	// Step 3: canonical id and projection publish.
	o.enter(StepProjection)
	resolution := o.resolver.Resolve(fundReceipt, escrow, profile.ChainID)
	if resolution.Degraded {
		o.metrics.IDFallback()
	}
	client := o.wallet.Address().Hex()
	rec := JobRecord{
		ChainJobID:        resolution.ID,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		Tags:              NormalizeTags(req.Tags),
		AmountMNEE:        req.Amount,
		ClientAddress:     client,
		FreelancerAddress: client,
		ChainID:           profile.ChainID,
		ClientName:        clientName(sess.Actor),
		FundingTxHash:     fundReceipt.TxHash.Hex(),
		IDDegraded:        resolution.Degraded,
	}
	result := &FundResult{
		Record:     rec,
		ApprovalTx: approveReceipt.TxHash.Hex(),
		FundingTx:  fundReceipt.TxHash.Hex(),
		Degraded:   resolution.Degraded,
	}

	job, err := o.publish(ctx, rec)
	if err != nil {
		return result, o.fail(StepProjection, err)
	}
	result.Job = job
	o.metrics.FundingStep(StepProjection, "ok")
	o.progress.set(TransactionStep{Ordinal: StepProjection, Status: "Job posted successfully", Done: true})
	logger.Info().Str("job_id", job.ChainJobID).Bool("degraded", resolution.Degraded).Msg("job published")
	return result, nil
}

// RetryPublish re-runs the projection publish alone for a job already funded on chain.
func (o *Orchestrator) RetryPublish(ctx context.Context, rec JobRecord) (Job, error) {
	if !o.running.TryLock() {
		return Job{}, ErrFundingInFlight
	}
	defer o.running.Unlock()

	o.enter(StepProjection)
	job, err := o.publish(ctx, rec)
	if err != nil {
		return Job{}, o.fail(StepProjection, err)
	}
	o.metrics.FundingStep(StepProjection, "ok")
	o.progress.set(TransactionStep{Ordinal: StepProjection, Status: "Job posted successfully", Done: true})
	return job, nil
}

func (o *Orchestrator) publish(ctx context.Context, rec JobRecord) (Job, error) {
	job, err := o.publisher.PublishJob(ctx, rec)
	if err != nil {
		o.metrics.PublishFailure()
		log.Error().Err(err).Str("job_id", rec.ChainJobID).Str("tx_hash", rec.FundingTxHash).
			Msg("job funded on chain but projection publish failed")
		return Job{}, &ProjectionPublishError{Record: rec, Cause: err}
	}
	return job, nil
}

func (o *Orchestrator) enter(step int) {
	o.progress.set(TransactionStep{Ordinal: step, Status: stepText[step]})
}

// fail resets progress to idle with an error status and wraps err with its step.
func (o *Orchestrator) fail(step int, err error) error {
	o.progress.set(TransactionStep{Ordinal: StepIdle, Status: StatusText(err), Failed: true})
	if step == StepIdle {
		return err
	}
	o.metrics.FundingStep(step, "error")
	log.Error().Err(err).Int("step", step).Msg("funding sequence failed")
	return &StepError{Step: step, Err: err}
}

// alignNetwork moves the wallet onto profile's chain. "Network changed" churn
// reported during the switch is expected and ignored.
func (o *Orchestrator) alignNetwork(ctx context.Context, profile network.Profile) error {
	current, err := o.currentChain(ctx)
	if err != nil {
		return err
	}
	if current == profile.ChainID {
		return nil
	}

	hexID := profile.HexChainID()
	err = o.wallet.SwitchChain(ctx, hexID)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrNetworkChanged):
		log.Debug().Str("chain", hexID).Msg("ignoring network change during chain switch")
	case errors.Is(err, chain.ErrUnknownChain):
		return &UnsupportedChainError{ChainID: profile.ChainID, HexChainID: hexID, Cause: err}
	case chain.IsRejection(err):
		return &TransactionRejectedError{Step: StepAllowance, Cause: err}
	default:
		return fmt.Errorf("switch wallet to %s: %w", hexID, err)
	}

	current, err = o.currentChain(ctx)
	if err != nil {
		return err
	}
	if current != profile.ChainID {
		return fmt.Errorf("%w: wallet on %d, active network is %d", ErrChainMismatch, current, profile.ChainID)
	}
	return nil
}

func (o *Orchestrator) currentChain(ctx context.Context) (uint64, error) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		var id uint64
		id, err = o.wallet.ChainID(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, chain.ErrNetworkChanged) {
			return 0, fmt.Errorf("query wallet chain: %w", err)
		}
	}
	return 0, fmt.Errorf("%w: wallet kept reporting network changes", ErrChainMismatch)
}

func classifyTxError(step int, receipt *types.Receipt, err error) error {
	if !chain.IsRejection(err) {
		return err
	}
	txHash := ""
	var revert *chain.RevertError
	if errors.As(err, &revert) {
		txHash = revert.TxHash.Hex()
	} else if receipt != nil {
		txHash = receipt.TxHash.Hex()
	}
	return &TransactionRejectedError{Step: step, TxHash: txHash, Cause: err}
}

func validateFund(req FundRequest, profile network.Profile) (*big.Int, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, ErrMissingTitle
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(profile.TokenAddress) || !common.IsHexAddress(profile.EscrowAddress) {
		return nil, fmt.Errorf("profile %q: contract addresses are not valid hex addresses", profile.Key)
	}
	return ToBaseUnits(req.Amount, profile.Decimals())
}

// ToBaseUnits converts a token-denominated amount into integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits converts integer base units back to a token amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

func clientName(actor Identity) string {
	if strings.TrimSpace(actor.Name) == "" {
		return "Anonymous"
	}
	return actor.Name
}
