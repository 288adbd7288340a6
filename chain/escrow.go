package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// LookupJob reads escrow.jobs(id) at the latest block.
func LookupJob(ctx context.Context, caller ethereum.ContractCaller, escrow common.Address, id *big.Int) (EscrowJob, error) {
	data, err := EncodeJobLookup(id)
	if err != nil {
		return EscrowJob{}, err
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &escrow, Data: data}, nil)
	if err != nil {
		return EscrowJob{}, fmt.Errorf("call jobs(%s): %w", id, err)
	}
	return DecodeJobLookup(out)
}

// FilterJobCreated returns the JobCreated events escrow emitted in [from, to].
// Logs that fail to decode are skipped.
func FilterJobCreated(ctx context.Context, filterer ethereum.LogFilterer, escrow common.Address, from, to uint64) ([]JobCreatedEvent, error) {
	logs, err := filterer.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{escrow},
		Topics:    [][]common.Hash{{JobCreatedTopic()}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter JobCreated %d-%d: %w", from, to, err)
	}
	events := make([]JobCreatedEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := DecodeJobCreated(l)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
