// Package keysync shares the account mnemonic with the paymail wallets linked
// to a Twetch account, so every device can recover the same signing key.
package keysync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	ecies "github.com/bsv-blockchain/go-sdk/compat/ecies"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cosmos/go-bip39"
	"go.uber.org/zap"

	"github.com/samooth/twetch-go/types"
)

// OneButtonPrefix is prepended to the mnemonic for onebutton wallets.
const OneButtonPrefix = "1harryntQnTKu5RGajGokZGqP2v8mZKJm::"

const (
	walletTypeOneButton = "onebutton"
	mnemonicEntropyBits = 128
)

// Wallet types that keep their own recovery and never receive the mnemonic.
var skippedWalletTypes = map[string]bool{
	"handcash":     true,
	"TwetchWallet": true,
}

// ErrInvalidMnemonic is returned for a mnemonic that fails the BIP39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// AccountAPI is the part of the Twetch client the sync needs. *twetch.Client
// implements it.
type AccountAPI interface {
	Me(ctx context.Context) (*types.Me, error)
	UpdateMe(ctx context.Context, patch map[string]any) error
	UpdatePublicKey(ctx context.Context, id string, patch map[string]any) error
	BSVAlias(ctx context.Context, paymail string) (string, error)
}

// Syncer distributes the mnemonic to the account's paymail keys.
type Syncer struct {
	api    AccountAPI
	logger *zap.Logger
}

// New creates a Syncer. A nil logger is replaced with a no-op logger.
func New(api AccountAPI, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{api: api, logger: logger}
}

// CreateMnemonic generates a 12 word mnemonic and syncs it.
func (s *Syncer) CreateMnemonic(ctx context.Context) (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	if _, err := s.SyncPublicKeys(ctx, mnemonic); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// SyncPublicKeys encrypts the mnemonic to every eligible paymail key of the
// account and records the account public key and xpub when missing. It
// reports whether the account was synced; false means nothing was changed
// because the account has no key list or belongs to a different seed.
func (s *Syncer) SyncPublicKeys(ctx context.Context, mnemonic string) (bool, error) {
	keys, err := Derive(mnemonic)
	if err != nil {
		return false, err
	}

	me, err := s.api.Me(ctx)
	if err != nil {
		return false, fmt.Errorf("load account: %w", err)
	}
	if me.PublicKeys == nil {
		s.logger.Debug("account has no public keys")
		return false, nil
	}
	if me.PublicKey != "" && me.PublicKey != keys.PublicKey {
		s.logger.Warn("account public key belongs to another seed", zap.String("account", me.ID))
		return false, nil
	}

	for _, node := range me.PublicKeys.Nodes {
		if !eligible(node) {
			continue
		}
		if err := s.syncKey(ctx, node, mnemonic); err != nil {
			return false, err
		}
	}

	if me.PublicKey == "" {
		if err := s.api.UpdateMe(ctx, map[string]any{"publicKey": keys.PublicKey}); err != nil {
			return false, fmt.Errorf("set account public key: %w", err)
		}
	}
	if me.Xpub == "" {
		if err := s.api.UpdateMe(ctx, map[string]any{"xpub": keys.Xpub}); err != nil {
			return false, fmt.Errorf("set account xpub: %w", err)
		}
	}
	return true, nil
}

func (s *Syncer) syncKey(ctx context.Context, node types.PublicKeyNode, mnemonic string) error {
	identity := node.IdentityPublicKey
	if identity == "" {
		var err error
		identity, err = s.api.BSVAlias(ctx, node.Address)
		if err != nil {
			return fmt.Errorf("resolve identity key of %s: %w", node.Address, err)
		}
	}

	data := mnemonic
	if node.WalletType == walletTypeOneButton {
		data = OneButtonPrefix + data
	}

	encrypted, err := Encrypt(data, identity)
	if err != nil {
		return fmt.Errorf("encrypt mnemonic for %s: %w", node.Address, err)
	}

	patch := map[string]any{
		"encryptedMnemonic": encrypted,
		"identityPublicKey": identity,
	}
	if err := s.api.UpdatePublicKey(ctx, node.ID, patch); err != nil {
		return fmt.Errorf("update public key %s: %w", node.ID, err)
	}

	s.logger.Info("mnemonic synced",
		zap.String("address", node.Address),
		zap.String("wallet_type", node.WalletType),
	)
	return nil
}

func eligible(node types.PublicKeyNode) bool {
	return node.EncryptedMnemonic == "" &&
		strings.Contains(node.Address, "@") &&
		!skippedWalletTypes[node.WalletType]
}

// Keys are the account keys derived from a mnemonic.
type Keys struct {
	// PublicKey is the compressed hex public key at m/0/0
	PublicKey string

	// Xpub is the serialized extended public key of the master node
	Xpub string
}

// Derive computes the account keys: BIP39 seed, BIP32 master, then m/0/0.
func Derive(mnemonic string) (*Keys, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	child := master
	for _, index := range []uint32{0, 0} {
		child, err = child.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive m/0/0: %w", err)
		}
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	xpub, err := master.Neuter()
	if err != nil {
		return nil, fmt.Errorf("derive xpub: %w", err)
	}

	return &Keys{
		PublicKey: fmt.Sprintf("%x", pub.SerializeCompressed()),
		Xpub:      xpub.String(),
	}, nil
}

// Encrypt ECIES (Electrum variant) encrypts data to a hex public key and
// returns the ciphertext as base64.
func Encrypt(data, publicKeyHex string) (string, error) {
	pub, err := ec.PublicKeyFromString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("parse identity public key: %w", err)
	}
	encrypted, err := ecies.ElectrumEncrypt([]byte(data), pub, nil, false)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}
