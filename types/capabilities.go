package types

import (
	"context"
	"errors"
)

// EncodedAction is the ordered argument sequence of one action.
type EncodedAction interface {
	// Action returns the action name the arguments were encoded for.
	Action() string

	// Args returns the arguments in their wire form, as sent for pricing.
	Args() []string

	// Chunks returns the arguments as the byte pushes written on chain.
	Chunks() ([][]byte, error)

	// ContentHash returns a digest over the current argument state.
	ContentHash() (string, error)

	// Replace sets every argument bound to token to value. Replacing the same
	// token again overwrites the earlier value.
	Replace(token, value string) error
}

// Encoder turns payloads into EncodedActions for a given schema and network.
type Encoder interface {
	Encode(schema *ActionSchema, network, action string, payload map[string]any, file *File) (EncodedAction, error)

	// Decode recovers the argument structure of action from a raw transaction.
	Decode(schema *ActionSchema, network, action, rawTx string) (EncodedAction, error)
}

// SchemaValidator is implemented by encoders that can reject a schema
// document before it is cached.
type SchemaValidator interface {
	ValidateSchema(schema *ActionSchema) error
}

// Signer derives the wallet address and signs messages.
type Signer interface {
	Address() (string, error)
	Sign(message string) (string, error)
}

// BalanceSource reports spendable funds in satoshis.
type BalanceSource interface {
	Balance(ctx context.Context) (int64, error)
}

// TransactionBuilder constructs a signed transaction carrying the action
// data and paying every payee.
type TransactionBuilder interface {
	BuildTx(ctx context.Context, action string, data [][]byte, payees []Payee) (*SignedTransaction, error)

	// CanPublish reports whether BuildTx already broadcasts the transaction.
	CanPublish() bool
}

// Wallet is the full wallet capability set used by the client.
type Wallet interface {
	Signer
	BalanceSource
	TransactionBuilder
}

// KeyValueStore persists small string values across invocations.
type KeyValueStore interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ErrInsufficientFunds is returned when the wallet cannot cover the payees
// and fee.
var ErrInsufficientFunds = errors.New("insufficient funds")
