package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	// ErrUnknownChain means the wallet cannot add or reach the requested chain.
	ErrUnknownChain = Err("wallet does not know the requested chain")
	// ErrNetworkChanged is transient churn reported while a chain switch settles.
	ErrNetworkChanged = Err("network changed")
	// ErrUserRejected means the signer declined the request.
	ErrUserRejected = Err("user rejected the request")
	// ErrReverted means the transaction was mined with a failed status.
	ErrReverted = Err("transaction reverted")
)

// Call is one transaction to sign and broadcast.
type Call struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
}

// Wallet is the signing collaborator. Transact blocks until the transaction is
// mined and returns the full receipt including emitted logs.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, hexChainID string) error
	Transact(ctx context.Context, call Call) (*types.Receipt, error)
}

// IsRejection reports whether err means no funds moved because the signer
// declined or the chain reverted.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUserRejected) || errors.Is(err, ErrReverted)
}

// RevertError carries the hash of a mined-but-failed transaction.
type RevertError struct {
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
}

func (e *RevertError) Unwrap() error { return ErrReverted }
