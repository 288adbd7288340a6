package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"escrow-backend/chain"
	"escrow-backend/core/marketplace"
	"escrow-backend/network"
	scstore "escrow-backend/storage/projection"
)

var (
	escrowAddr = common.HexToAddress("0x57e9Bd08Af827AE3D19CBDa714114EbCFcA6f35c")
	neeraj     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeChain struct {
	head    uint64
	logs    []types.Log
	jobs    map[int64]chain.EscrowJob
	filters [][2]uint64
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.filters = append(f.filters, [2]uint64{from, to})
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeChain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	id := new(big.Int).SetBytes(msg.Data[4:])
	job, ok := f.jobs[id.Int64()]
	if !ok {
		job = chain.EscrowJob{ID: id, Amount: big.NewInt(0)}
	}
	return chain.EncodeJobLookupResult(job)
}

func (f *fakeChain) emit(t *testing.T, block uint64, id int64, amount *big.Int, tx string) {
	t.Helper()
	l, err := chain.JobCreatedLog(escrowAddr, big.NewInt(id), neeraj, neeraj, amount)
	if err != nil {
		t.Fatalf("build log: %v", err)
	}
	l.BlockNumber = block
	l.TxHash = common.HexToHash(tx)
	f.logs = append(f.logs, *l)
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newSweeper(t *testing.T, fc *fakeChain, store Store, cfg Config) *Sweeper {
	t.Helper()
	profile := network.Profile{Key: "sepolia", ChainID: 11155111, EscrowAddress: escrowAddr.Hex()}
	s, err := NewSweeper(fc, store, profile, nil, cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return s
}

func TestSweepRepublishesMissingJob(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 10, jobs: map[int64]chain.EscrowJob{
		42: {ID: big.NewInt(42), Client: neeraj, Freelancer: neeraj, Amount: tokens(100), Description: "Build a scraper\nwith tests"},
	}}
	fc.emit(t, 3, 42, tokens(100), "0xaaaa")
	store := scstore.NewMemoryStore(nil)

	report, err := newSweeper(t, fc, store, Config{}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Published != 1 {
		t.Errorf("Expected 1 published job but got %d", report.Published)
	}

	job, err := store.GetJob(ctx, "42")
	if err != nil {
		t.Fatalf("Expected job 42 in projection: %v", err)
	}
	if job.Title != "Build a scraper" {
		t.Errorf("Expected title from first description line but got %q", job.Title)
	}
	if job.ClientName != "Neeraj Srivastava" {
		t.Errorf("Expected client name from directory but got %q", job.ClientName)
	}
	if !job.AmountMNEE.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected amount 100 but got %s", job.AmountMNEE)
	}
	if job.Status != marketplace.StatusOpen || job.ChainID != 11155111 {
		t.Errorf("Unexpected job %+v", job)
	}
}

func TestSweepRekeysFallbackJob(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 10}
	tx := "0x00000000000000000000000000000000000000000000000000000000deadbeef"
	fc.emit(t, 4, 42, tokens(100), tx)

	store := scstore.NewMemoryStore(nil)
	fallbackID := "fb-11155111-1700000000000-deadbeef"
	if _, _, err := store.IndexJob(ctx, marketplace.JobRecord{
		ChainJobID:    fallbackID,
		Title:         "Logo",
		AmountMNEE:    decimal.NewFromInt(100),
		ChainID:       11155111,
		ClientName:    "Neeraj Srivastava",
		FundingTxHash: tx,
		IDDegraded:    true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := newSweeper(t, fc, store, Config{}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Rekeyed != 1 || report.Published != 0 {
		t.Errorf("Expected one rekey and no publish but got %+v", report)
	}
	job, err := store.GetJob(ctx, "42")
	if err != nil {
		t.Fatalf("Expected canonical id after rekey: %v", err)
	}
	if job.IDDegraded || job.Title != "Logo" {
		t.Errorf("Expected rekeyed job to keep its fields, got %+v", job)
	}
	if _, err := store.GetJob(ctx, fallbackID); !errors.Is(err, marketplace.ErrJobNotFound) {
		t.Errorf("Expected fallback id to be gone but got %v", err)
	}
}

func TestSweepCorrectsAmount(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 10}
	fc.emit(t, 2, 9, tokens(250), "0xbbbb")
	store := scstore.NewMemoryStore(nil)
	store.IndexJob(ctx, marketplace.JobRecord{ChainJobID: "9", Title: "t", AmountMNEE: decimal.NewFromInt(200), ChainID: 11155111})

	report, err := newSweeper(t, fc, store, Config{}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.AmountsFixed != 1 {
		t.Errorf("Expected one amount correction but got %d", report.AmountsFixed)
	}
	job, _ := store.GetJob(ctx, "9")
	if !job.AmountMNEE.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Expected on-chain amount 250 but got %s", job.AmountMNEE)
	}
}

func TestSweepAuditAppliesSettlements(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 0, jobs: map[int64]chain.EscrowJob{
		7: {ID: big.NewInt(7), Amount: big.NewInt(1), IsSettled: true},
		8: {ID: big.NewInt(8), Amount: big.NewInt(1), IsSettled: true, IsApproved: true},
		9: {ID: big.NewInt(9), Amount: big.NewInt(1)},
	}}
	store := scstore.NewMemoryStore(nil)
	for _, id := range []string{"7", "8", "9"} {
		store.IndexJob(ctx, marketplace.JobRecord{ChainJobID: id, Title: "t", AmountMNEE: decimal.NewFromInt(1), ChainID: 11155111})
	}

	report, err := newSweeper(t, fc, store, Config{}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Refunded != 1 || report.Settled != 1 {
		t.Errorf("Expected one refund and one settlement but got %+v", report)
	}

	tests := map[string]marketplace.Status{
		"7": marketplace.StatusRefunded,
		"8": marketplace.StatusPaid,
		"9": marketplace.StatusOpen,
	}
	for id, want := range tests {
		job, _ := store.GetJob(ctx, id)
		if job.Status != want {
			t.Errorf("Expected job %s to be %s but got %s", id, want, job.Status)
		}
	}
}

func TestSweepMarksReleasedAssignedJobPaid(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 10, jobs: map[int64]chain.EscrowJob{
		42: {ID: big.NewInt(42), Client: neeraj, Freelancer: neeraj, Amount: tokens(100), Description: "Scraper"},
	}}
	fc.emit(t, 3, 42, tokens(100), "0xaaaa")
	store := scstore.NewMemoryStore(nil)
	s := newSweeper(t, fc, store, Config{})

	if _, err := s.Sweep(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := store.Assign(ctx, "42", "Neeraj Srivastava", "Florent Thevenin", 0); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Paid out on chain but the verdict never reached the projection.
	released := fc.jobs[42]
	released.IsSettled, released.IsApproved = true, true
	fc.jobs[42] = released

	report, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Settled != 1 {
		t.Errorf("Expected one settlement but got %+v", report)
	}
	job, _ := store.GetJob(ctx, "42")
	if job.Status != marketplace.StatusPaid {
		t.Fatalf("Expected released job to be PAID but got %s", job.Status)
	}
	if _, err := store.RecordSubmission(ctx, marketplace.Submission{
		ID: "late", ChainJobID: "42", FreelancerName: "Florent Thevenin", Verdict: marketplace.VerdictPass,
	}); !errors.Is(err, marketplace.ErrJobSettled) {
		t.Errorf("Expected further submissions to be rejected with ErrJobSettled but got %v", err)
	}

	again, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.Settled != 0 {
		t.Errorf("Expected PAID job to be skipped on the next sweep, got %+v", again)
	}
}

func TestSweepAdvancesCursorInSpans(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 5}
	fc.emit(t, 1, 1, tokens(1), "0x01")
	fc.emit(t, 5, 2, tokens(1), "0x02")
	store := scstore.NewMemoryStore(nil)
	s := newSweeper(t, fc, store, Config{FromBlock: 0, BlockSpan: 2})

	report, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if report.Events != 2 || report.ScannedToBlock != 5 {
		t.Errorf("Expected 2 events through block 5 but got %+v", report)
	}
	want := [][2]uint64{{0, 1}, {2, 3}, {4, 5}}
	if len(fc.filters) != len(want) {
		t.Fatalf("Expected %d filter calls but got %v", len(want), fc.filters)
	}
	for i := range want {
		if fc.filters[i] != want[i] {
			t.Errorf("Expected range %v but got %v", want[i], fc.filters[i])
		}
	}

	again, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.Events != 0 || again.Published != 0 {
		t.Errorf("Expected second sweep to find nothing new but got %+v", again)
	}
}

func TestNewSweeperRejectsBadEscrow(t *testing.T) {
	_, err := NewSweeper(&fakeChain{}, scstore.NewMemoryStore(nil), network.Profile{Key: "x", EscrowAddress: "nope"}, nil, Config{})
	if err == nil {
		t.Error("Expected error for invalid escrow address")
	}
}

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		description string
		want        string
	}{
		{"Design a logo", "Design a logo"},
		{"  first line \nsecond", "first line"},
		{"", "Job #3"},
	}
	for _, tt := range tests {
		if got := titleFrom(tt.description, "3"); got != tt.want {
			t.Errorf("Expected %q but got %q", tt.want, got)
		}
	}
}
