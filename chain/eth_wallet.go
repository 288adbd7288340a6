package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// KeyWallet signs with a local private key and talks to one RPC endpoint at a
// time. Switching chains re-dials the endpoint registered for that chain.
type KeyWallet struct {
	mu        sync.Mutex
	key       *ecdsa.PrivateKey
	address   common.Address
	endpoints map[string]string // hex chain id -> rpc url
	client    *ethclient.Client
	chainID   *big.Int
	timeout   time.Duration
}

// NewKeyWallet parses a hex private key. endpoints maps hex chain ids to RPC URLs.
func NewKeyWallet(hexKey string, endpoints map[string]string) (*KeyWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	normalized := make(map[string]string, len(endpoints))
	for id, url := range endpoints {
		if strings.TrimSpace(url) != "" {
			normalized[strings.ToLower(id)] = url
		}
	}
	return &KeyWallet{
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		endpoints: normalized,
		timeout:   5 * time.Minute,
	}, nil
}

// Address returns the signer address.
func (w *KeyWallet) Address() common.Address { return w.address }

// ChainID returns the chain of the currently dialed endpoint, or 0 when none is connected.
func (w *KeyWallet) ChainID(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return 0, nil
	}
	return w.chainID.Uint64(), nil
}

// SwitchChain dials the endpoint registered for hexChainID.
func (w *KeyWallet) SwitchChain(ctx context.Context, hexChainID string) error {
	url, ok := w.endpoints[strings.ToLower(hexChainID)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, hexChainID)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", hexChainID, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("query chain id: %w", err)
	}
	if "0x"+id.Text(16) != strings.ToLower(hexChainID) {
		client.Close()
		return fmt.Errorf("%w: endpoint for %s serves chain %d", ErrUnknownChain, hexChainID, id.Uint64())
	}

	w.mu.Lock()
	if w.client != nil {
		w.client.Close()
	}
	w.client = client
	w.chainID = id
	w.mu.Unlock()

	log.Debug().Str("chain", hexChainID).Msg("wallet switched chain")
	return nil
}

// Transact signs call, broadcasts it and waits for it to be mined.
func (w *KeyWallet) Transact(ctx context.Context, call Call) (*types.Receipt, error) {
	w.mu.Lock()
	client, chainID := w.client, w.chainID
	w.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("wallet is not connected to a chain")
	}

	nonce, err := client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	to := call.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      call.GasLimit,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	log.Info().Str("tx_hash", signed.Hash().Hex()).Uint64("gas_limit", call.GasLimit).Msg("transaction broadcast")

	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, client, signed)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &RevertError{TxHash: signed.Hash()}
	}
	return receipt, nil
}

// Client exposes the dialed client for read-only calls.
func (w *KeyWallet) Client() *ethclient.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// Close releases the RPC connection.
func (w *KeyWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
}
