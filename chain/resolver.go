package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// JobCreatedEvent is a decoded JobCreated log entry.
type JobCreatedEvent struct {
	JobID      *big.Int
	Client     common.Address
	Freelancer common.Address
	Amount     *big.Int
	TxHash     common.Hash
	Block      uint64
}

// DecodeJobCreated decodes a log against the escrow JobCreated schema.
// Logs from other contracts or events fail to decode.
func DecodeJobCreated(l types.Log) (JobCreatedEvent, error) {
	if len(l.Topics) != 2 || l.Topics[0] != JobCreatedTopic() {
		return JobCreatedEvent{}, fmt.Errorf("log is not a JobCreated event")
	}
	values, err := escrowABI.Unpack("JobCreated", l.Data)
	if err != nil {
		return JobCreatedEvent{}, fmt.Errorf("unpack JobCreated: %w", err)
	}
	if len(values) != 3 {
		return JobCreatedEvent{}, fmt.Errorf("unpack JobCreated: expected 3 values, got %d", len(values))
	}
	ev := JobCreatedEvent{
		JobID:  new(big.Int).SetBytes(l.Topics[1].Bytes()),
		TxHash: l.TxHash,
		Block:  l.BlockNumber,
	}
	ev.Client, _ = values[0].(common.Address)
	ev.Freelancer, _ = values[1].(common.Address)
	ev.Amount, _ = values[2].(*big.Int)
	return ev, nil
}

// Resolution is the canonical id derived from a funding receipt.
type Resolution struct {
	ID       string
	Degraded bool
	Event    *JobCreatedEvent
}

// Resolver extracts the escrow job id from a confirmed receipt.
type Resolver struct {
	now func() time.Time
}

// NewResolver returns a resolver using the wall clock for fallbacks.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// NewResolverWithClock returns a resolver that stamps fallbacks using now.
func NewResolverWithClock(now func() time.Time) *Resolver {
	return &Resolver{now: now}
}

// Resolve scans every log in order and returns the first JobCreated job id
// emitted by escrow. A zero escrow address accepts the event from any emitter.
// Without a match it returns a degraded, chain-qualified timestamp id.
func (r *Resolver) Resolve(receipt *types.Receipt, escrow common.Address, chainID uint64) Resolution {
	if receipt != nil {
		for _, l := range receipt.Logs {
			if l == nil {
				continue
			}
			if escrow != (common.Address{}) && l.Address != escrow {
				continue
			}
			ev, err := DecodeJobCreated(*l)
			if err != nil {
				continue
			}
			if ev.TxHash == (common.Hash{}) {
				ev.TxHash = receipt.TxHash
			}
			return Resolution{ID: ev.JobID.String(), Event: &ev}
		}
	}

	var txHash common.Hash
	if receipt != nil {
		txHash = receipt.TxHash
	}
	id := FallbackID(chainID, r.now(), txHash)
	log.Warn().
		Str("job_id", id).
		Uint64("chain_id", chainID).
		Str("tx_hash", txHash.Hex()).
		Msg("JobCreated event not found in receipt, using timestamp fallback id")
	return Resolution{ID: id, Degraded: true}
}

// FallbackID builds the degraded id used when no JobCreated event is found.
// It never parses as a decimal escrow id.
func FallbackID(chainID uint64, observed time.Time, txHash common.Hash) string {
	short := txHash.Hex()[2:10]
	return fmt.Sprintf("fb-%d-%d-%s", chainID, observed.UnixMilli(), short)
}

// IsFallbackID reports whether id was produced by FallbackID.
func IsFallbackID(id string) bool {
	return len(id) > 3 && id[:3] == "fb-"
}
