// Package wallet provides Simple, a single-key P2PKH wallet that satisfies
// types.Wallet.
package wallet

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"

	bsm "github.com/bsv-blockchain/go-sdk/compat/bsm"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/template/p2pkh"
	"go.uber.org/zap"

	"github.com/samooth/twetch-go/types"
)

// PrivateKeyStorageKey is where the WIF key is kept.
const PrivateKeyStorageKey = "walletPrivateKey"

const (
	// DefaultFeePerKB is the fee rate in satoshis per 1000 bytes.
	DefaultFeePerKB = 50

	// Size of a signed P2PKH input and of a P2PKH output.
	p2pkhInputSize  = 148
	p2pkhOutputSize = 34
)

// Simple signs with one private key and spends its P2PKH outputs.
type Simple struct {
	key       *ec.PrivateKey
	mainnet   bool
	chain     ChainSource
	feePerKB  uint64
	broadcast bool
	logger    *zap.Logger
}

var _ types.Wallet = (*Simple)(nil)

// Option configures a Simple wallet.
type Option func(*Simple)

// WithChainSource replaces the WhatsOnChain client.
func WithChainSource(c ChainSource) Option {
	return func(s *Simple) { s.chain = c }
}

// WithFeePerKB sets the fee rate.
func WithFeePerKB(sats uint64) Option {
	return func(s *Simple) { s.feePerKB = sats }
}

// WithBroadcast makes BuildTx broadcast through the chain source.
func WithBroadcast(b bool) Option {
	return func(s *Simple) { s.broadcast = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Simple) { s.logger = l }
}

// WithPrivateKey uses key instead of the stored one.
func WithPrivateKey(key *ec.PrivateKey) Option {
	return func(s *Simple) { s.key = key }
}

// NewSimple loads the wallet key from store, generating and persisting one
// on first use.
func NewSimple(ctx context.Context, network string, store types.KeyValueStore, opts ...Option) (*Simple, error) {
	s := &Simple{
		mainnet:  network != "testnet",
		feePerKB: DefaultFeePerKB,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chain == nil {
		base := WhatsOnChainMainnet
		if !s.mainnet {
			base = WhatsOnChainTestnet
		}
		s.chain = NewWhatsOnChain(base, nil)
	}

	if s.key != nil {
		return s, nil
	}
	key, err := loadOrCreateKey(ctx, store)
	if err != nil {
		return nil, err
	}
	s.key = key
	return s, nil
}

func loadOrCreateKey(ctx context.Context, store types.KeyValueStore) (*ec.PrivateKey, error) {
	if store == nil {
		return nil, fmt.Errorf("wallet requires a key/value store")
	}
	wif, ok, err := store.Get(ctx, PrivateKeyStorageKey)
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}
	if ok && wif != "" {
		key, err := ec.PrivateKeyFromWif(wif)
		if err != nil {
			return nil, fmt.Errorf("stored wallet key is not a valid WIF: %w", err)
		}
		return key, nil
	}

	key, err := ec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	if err := store.Set(ctx, PrivateKeyStorageKey, key.Wif()); err != nil {
		return nil, fmt.Errorf("persist wallet key: %w", err)
	}
	return key, nil
}

// PrivateKey returns the signing key.
func (s *Simple) PrivateKey() *ec.PrivateKey { return s.key }

func (s *Simple) address() (*script.Address, error) {
	return script.NewAddressFromPublicKey(s.key.PubKey(), s.mainnet)
}

// Address returns the P2PKH address of the wallet key.
func (s *Simple) Address() (string, error) {
	addr, err := s.address()
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	return addr.AddressString, nil
}

// Sign returns the base64 Bitcoin Signed Message signature of message.
func (s *Simple) Sign(message string) (string, error) {
	sig, err := bsm.SignMessage(s.key, []byte(message))
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Balance returns confirmed plus unconfirmed satoshis.
func (s *Simple) Balance(ctx context.Context) (int64, error) {
	addr, err := s.Address()
	if err != nil {
		return 0, err
	}
	return s.chain.Balance(ctx, addr)
}

// CanPublish reports whether BuildTx broadcasts.
func (s *Simple) CanPublish() bool { return s.broadcast }

// BuildTx creates a transaction with an OP_FALSE OP_RETURN output carrying
// data, one output per payee and change back to the wallet.
func (s *Simple) BuildTx(ctx context.Context, action string, data [][]byte, payees []types.Payee) (*types.SignedTransaction, error) {
	addr, err := s.address()
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}

	tx := transaction.NewTransaction()

	dataScript := &script.Script{}
	if err := dataScript.AppendOpcodes(script.OpFALSE, script.OpRETURN); err != nil {
		return nil, err
	}
	for i, d := range data {
		if err := dataScript.AppendPushData(d); err != nil {
			return nil, fmt.Errorf("push arg %d: %w", i, err)
		}
	}
	tx.AddOutput(&transaction.TransactionOutput{Satoshis: 0, LockingScript: dataScript})

	var required uint64
	for _, p := range payees {
		if err := tx.PayToAddress(p.Address, p.Amount); err != nil {
			return nil, fmt.Errorf("pay %s: %w", p.Address, err)
		}
		required += p.Amount
	}

	utxos, err := s.chain.Unspent(ctx, addr.AddressString)
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}
	// Spend the largest outputs first to keep the input count low.
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	lock, err := p2pkh.Lock(addr)
	if err != nil {
		return nil, fmt.Errorf("build locking script: %w", err)
	}
	lockHex := hex.EncodeToString(*lock)
	unlocker, err := p2pkh.Unlock(s.key, nil)
	if err != nil {
		return nil, fmt.Errorf("build unlocker: %w", err)
	}

	baseSize := uint64(len(tx.Bytes())) + p2pkhOutputSize
	var funded, fee uint64
	for _, u := range utxos {
		if err := tx.AddInputFrom(u.TxHash, u.TxPos, lockHex, u.Value, unlocker); err != nil {
			return nil, fmt.Errorf("add input %s:%d: %w", u.TxHash, u.TxPos, err)
		}
		funded += u.Value
		fee = s.fee(baseSize + uint64(len(tx.Inputs))*p2pkhInputSize)
		if funded >= required+fee {
			break
		}
	}
	if funded < required+fee {
		return nil, fmt.Errorf("%w: have %d, need %d", types.ErrInsufficientFunds, funded, required+fee)
	}

	if change := funded - required - fee; change > 0 {
		tx.AddOutput(&transaction.TransactionOutput{Satoshis: change, LockingScript: lock})
	}

	if err := tx.Sign(); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	signed := &types.SignedTransaction{TxID: tx.TxID().String(), Raw: tx.Hex()}
	s.logger.Debug("built transaction",
		zap.String("action", action),
		zap.String("txid", signed.TxID),
		zap.Int("inputs", len(tx.Inputs)),
		zap.Uint64("fee", fee),
	)

	if s.broadcast {
		if _, err := s.chain.Broadcast(ctx, signed.Raw); err != nil {
			return nil, fmt.Errorf("broadcast %s: %w", signed.TxID, err)
		}
		s.logger.Info("broadcast transaction", zap.String("txid", signed.TxID))
	}
	return signed, nil
}

func (s *Simple) fee(size uint64) uint64 {
	f := (size*s.feePerKB + 999) / 1000
	if f == 0 {
		f = 1
	}
	return f
}
