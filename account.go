package twetch

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/samooth/twetch-go/gateway"
	"github.com/samooth/twetch-go/types"
)

// InitMessage is signed by Init to register the wallet as a signing address.
const InitMessage = "twetch-api-rocks"

const meQuery = `
query {
	me {
		id
		name
		publicKey
		xpub
		publicKeys: publicKeysByUserId(filter: { revokedAt: { isNull: true } }) {
			nodes {
				id
				walletType
				signingAddress
				identityPublicKey
				encryptedMnemonic
				address
			}
		}
	}
}`

const updateUserMutation = `
mutation updateUser($payload: UserPatch!, $id: BigInt!) {
	updateUserById(input: {userPatch: $payload, id: $id}) {
		clientMutationId
	}
}`

const updatePublicKeyMutation = `
mutation updatePublicKey($payload: PublicKeyPatch!, $id: UUID!) {
	updatePublicKeyById(input: {publicKeyPatch: $payload, id: $id}) {
		clientMutationId
	}
}`

// AuthOptions configures Authenticate.
type AuthOptions struct {
	// Create asks the auth API to create an account for a new address
	Create bool
}

// Authenticate signs a fresh challenge and stores the token.
func (c *Client) Authenticate(ctx context.Context, opts AuthOptions) (string, error) {
	ctx, span := c.tracer.Start(ctx, "twetch.Authenticate")
	defer span.End()

	token, err := c.session.authenticate(ctx, opts.Create)
	if err != nil {
		return "", NewClientError(ErrCodeAuthenticationRequired, "authentication failed", err)
	}
	return token, nil
}

// Query runs a GraphQL document against the API and decodes data into out.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, out any) error {
	if err := c.session.ensure(ctx); err != nil {
		return err
	}
	if err := c.api.Query(ctx, query, variables, out); err != nil {
		if gwErr, ok := gateway.AsError(err); ok && gwErr.IsUnauthorized() {
			c.session.invalidate(ctx)
		}
		return err
	}
	return nil
}

// Me loads the authenticated account with its non-revoked public keys.
func (c *Client) Me(ctx context.Context) (*types.Me, error) {
	var data struct {
		Me *types.Me `json:"me"`
	}
	if err := c.Query(ctx, meQuery, nil, &data); err != nil {
		return nil, err
	}
	if data.Me == nil {
		return nil, fmt.Errorf("me query returned no account")
	}
	return data.Me, nil
}

// UpdateMe patches the authenticated account.
func (c *Client) UpdateMe(ctx context.Context, patch map[string]any) error {
	me, err := c.Me(ctx)
	if err != nil {
		return err
	}
	return c.Query(ctx, updateUserMutation, map[string]any{"payload": patch, "id": me.ID}, nil)
}

// UpdatePublicKey patches the public key record id.
func (c *Client) UpdatePublicKey(ctx context.Context, id string, patch map[string]any) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("public key id %q: %w", id, err)
	}
	return c.Query(ctx, updatePublicKeyMutation, map[string]any{"payload": patch, "id": id}, nil)
}

// BSVAlias resolves the identity public key of a paymail.
func (c *Client) BSVAlias(ctx context.Context, paymail string) (string, error) {
	return c.api.BSVAlias(ctx, paymail)
}

// BSVPrice returns the current BSV exchange rate in USD.
func (c *Client) BSVPrice(ctx context.Context) (float64, error) {
	return c.api.ExchangeRate(ctx)
}

// Init prints what is needed to register the wallet as a signing address on
// https://twetch.app/developer.
func (c *Client) Init(w io.Writer) error {
	address, err := c.cfg.Wallet.Address()
	if err != nil {
		return err
	}
	signature, err := c.cfg.Wallet.Sign(InitMessage)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "1) copy the following to add as a signing address on https://twetch.app/developer\n\n"+
		"bsv address: %s\nmessage: %s\nsignature: %s\n\n"+
		"2) fund your address with some BSV (%s)\n",
		address, InitMessage, signature, address)
	return err
}
