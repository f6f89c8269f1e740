// Package twetch builds, prices, signs and publishes twetch actions.
//
// A Client encodes an action payload with the ABI fetched from the API, asks
// the API for the payees of the encoded arguments, fills the invoice,
// signature and address placeholders in that order, and has the wallet build
// the transaction. Wallets that broadcast themselves short-circuit the
// pipeline; otherwise the signed transaction is submitted to the API.
package twetch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/samooth/twetch-go/gateway"
	"github.com/samooth/twetch-go/types"
	"github.com/samooth/twetch-go/wallet"
)

const instrumentationName = "github.com/samooth/twetch-go"

// payParamsKey is the payload entry forwarded to the publish endpoint
// instead of being encoded.
const payParamsKey = "payParams"

// Client runs the build and publish pipeline.
type Client struct {
	cfg     Config
	api     *gateway.Client
	authAPI *gateway.AuthClient
	session *session
	schemas *schemaCache
	logger  *zap.Logger
	tracer  trace.Tracer
	results metric.Int64Counter
}

var _ Publisher = (*Client)(nil)

// New creates a Client. Options are applied on top of cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewClientError(ErrCodeInvalidConfig, "invalid client configuration", err)
	}

	if cfg.Wallet == nil {
		w, err := wallet.NewSimple(ctx, cfg.Network, cfg.Storage, wallet.WithLogger(cfg.Logger))
		if err != nil {
			return nil, NewClientError(ErrCodeInvalidConfig, "default wallet", err)
		}
		cfg.Wallet = w
	}

	c := &Client{cfg: cfg, logger: cfg.Logger}
	c.authAPI = gateway.NewAuthClient(cfg.AuthURL, gateway.WithHTTPClient(cfg.HTTPClient))
	c.session = newSession(cfg.Storage, c.authAPI, cfg.Wallet, cfg.ProtocolVersion, cfg.Logger)
	c.api = gateway.NewClient(cfg.APIURL,
		gateway.WithHTTPClient(cfg.HTTPClient),
		gateway.WithCloudURL(cfg.CloudURL),
		gateway.WithTokenSource(c.session),
	)
	c.schemas = newSchemaCache(c.api, cfg.Storage, cfg.Encoder, cfg.SchemaTTL, cfg.Logger)

	c.tracer = cfg.TracerProvider.Tracer(instrumentationName)
	counter, err := cfg.MeterProvider.Meter(instrumentationName).Int64Counter(
		"twetch.results",
		metric.WithDescription("Pipeline results by operation and code"),
	)
	if err != nil {
		return nil, fmt.Errorf("create results counter: %w", err)
	}
	c.results = counter
	return c, nil
}

// Network returns the configured network.
func (c *Client) Network() string { return c.cfg.Network }

// Wallet returns the wallet used for signing.
func (c *Client) Wallet() types.Wallet { return c.cfg.Wallet }

// Schema returns the cached ABI, loading it if needed.
func (c *Client) Schema(ctx context.Context) (*types.ActionSchema, error) {
	return c.schemas.get(ctx)
}

// RefreshSchema refetches the ABI.
func (c *Client) RefreshSchema(ctx context.Context) (*types.ActionSchema, error) {
	schema, err := c.schemas.refresh(ctx)
	if err != nil {
		return nil, NewClientError(ErrCodeSchemaUnavailable, "abi could not be loaded", err)
	}
	return schema, nil
}

// CallOption adjusts a single pipeline call.
type CallOption func(*callOptions)

type callOptions struct {
	clientIdentifier string
}

// WithClientIdentifier overrides the configured client identifier for the
// pricing request of one call.
func WithClientIdentifier(id string) CallOption {
	return func(o *callOptions) { o.clientIdentifier = id }
}

// Build encodes and prices an action and fills its invoice placeholder.
func (c *Client) Build(ctx context.Context, action string, payload map[string]any, file *types.File, opts ...CallOption) *Result {
	co := callOptions{clientIdentifier: c.cfg.ClientIdentifier}
	for _, opt := range opts {
		opt(&co)
	}
	return c.run(ctx, "Build", action, func(ctx context.Context) (*Result, error) {
		b, err := c.build(ctx, action, payload, file, co.clientIdentifier)
		if err != nil {
			return nil, err
		}
		return &Result{Action: b.encoded, Payees: b.payees.Payees, Invoice: b.payees.Invoice}, nil
	})
}

// Publish checks the wallet has funds, then builds and publishes the action.
func (c *Client) Publish(ctx context.Context, action string, payload map[string]any, file *types.File) *Result {
	return c.run(ctx, "Publish", action, func(ctx context.Context) (*Result, error) {
		address, err := c.cfg.Wallet.Address()
		if err != nil {
			return nil, fmt.Errorf("wallet address: %w", err)
		}
		c.logger.Info("signing address", zap.String("address", address))

		balance, err := c.cfg.Wallet.Balance(ctx)
		if err != nil {
			return nil, fmt.Errorf("wallet balance: %w", err)
		}
		if balance <= 0 {
			c.logger.Warn("no funds, please add funds to the signing address", zap.String("address", address))
			return nil, NewClientError(ErrCodeInsufficientFunds, "wallet balance is zero", types.ErrInsufficientFunds)
		}
		c.logger.Info("balance", zap.Float64("bsv", float64(balance)/1e8))

		return c.buildAndPublish(ctx, action, payload, file)
	})
}

// BuildAndPublish builds the action, signs it and either returns the
// wallet-broadcast transaction or submits it to the API.
func (c *Client) BuildAndPublish(ctx context.Context, action string, payload map[string]any, file *types.File) *Result {
	return c.run(ctx, "BuildAndPublish", action, func(ctx context.Context) (*Result, error) {
		return c.buildAndPublish(ctx, action, payload, file)
	})
}

// Submit sends an already signed transaction to the publish endpoint.
func (c *Client) Submit(ctx context.Context, req *gateway.SubmitRequest) *Result {
	var action string
	if req != nil {
		action = req.Action
	}
	return c.run(ctx, "Submit", action, func(ctx context.Context) (*Result, error) {
		if req == nil || req.SignedRawTx == "" {
			return nil, NewClientError(ErrCodeEncoding, "signed transaction is required", nil)
		}
		if err := c.session.ensure(ctx); err != nil {
			return nil, err
		}
		r := *req
		if c.cfg.ProtocolVersion == ProtocolCurrent && r.Broadcast == nil {
			broadcast := true
			r.Broadcast = &broadcast
		}
		resp, err := c.api.Submit(ctx, &r)
		if err != nil {
			return nil, NewClientError(ErrCodeUpstream, "publish request failed", err)
		}
		res := &Result{Response: resp, Invoice: r.Invoice}
		if txid, ok := resp["txid"].(string); ok {
			res.TxID = txid
		}
		return res, nil
	})
}

type built struct {
	schema    *types.ActionSchema
	encoded   types.EncodedAction
	payees    *types.PayeeSet
	payParams json.RawMessage
}

func (c *Client) build(ctx context.Context, action string, payload map[string]any, file *types.File, clientIdentifier string) (*built, error) {
	schema, err := c.schemas.get(ctx)
	if err != nil {
		return nil, err
	}

	fields, payParams, err := splitPayParams(payload)
	if err != nil {
		return nil, NewClientError(ErrCodeEncoding, "payParams is not serializable", err)
	}

	encoded, err := c.cfg.Encoder.Encode(schema, c.cfg.Network, action, fields, file)
	if err != nil {
		return nil, NewClientError(ErrCodeEncoding, fmt.Sprintf("payload does not match action %q", action), err)
	}

	if err := c.session.ensure(ctx); err != nil {
		return nil, err
	}

	payees, err := c.api.FetchPayees(ctx, &gateway.PayeesRequest{
		Args:             encoded.Args(),
		Action:           action,
		ClientIdentifier: clientIdentifier,
	})
	if err != nil {
		return nil, NewClientError(ErrCodeUpstream, "pricing request failed", err)
	}

	err = applySubstitutions(encoded, []Substitution{
		{Token: PlaceholderInvoice, Value: func() (string, error) { return payees.Invoice.String(), nil }},
	})
	if err != nil {
		return nil, NewClientError(ErrCodeEncoding, "invoice substitution failed", err)
	}

	return &built{schema: schema, encoded: encoded, payees: payees, payParams: payParams}, nil
}

func (c *Client) buildAndPublish(ctx context.Context, action string, payload map[string]any, file *types.File) (*Result, error) {
	b, err := c.build(ctx, action, payload, file, c.cfg.ClientIdentifier)
	if err != nil {
		return nil, err
	}

	w := c.cfg.Wallet
	err = applySubstitutions(b.encoded, []Substitution{
		{Token: PlaceholderSignature, Value: func() (string, error) {
			hash, err := b.encoded.ContentHash()
			if err != nil {
				return "", err
			}
			return w.Sign(hash)
		}},
		{Token: PlaceholderAddress, Value: w.Address},
	})
	if err != nil {
		return nil, NewClientError(ErrCodeEncoding, "signing substitution failed", err)
	}

	chunks, err := b.encoded.Chunks()
	if err != nil {
		return nil, NewClientError(ErrCodeEncoding, "encoded action is not serializable", err)
	}
	tx, err := w.BuildTx(ctx, action, chunks, b.payees.Payees)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	res := &Result{
		TxID:    tx.TxID,
		Action:  b.encoded,
		Payees:  b.payees.Payees,
		Invoice: b.payees.Invoice,
	}
	if w.CanPublish() {
		c.logger.Info("published by wallet", zap.String("action", action), zap.String("txid", tx.TxID))
		return res, nil
	}

	decoded, err := c.cfg.Encoder.Decode(b.schema, c.cfg.Network, action, tx.Raw)
	if err != nil {
		return nil, NewClientError(ErrCodeEncoding, "signed transaction does not decode", err)
	}
	if !slices.Equal(decoded.Args(), b.encoded.Args()) {
		return nil, NewClientError(ErrCodeEncoding, "signed transaction does not carry the encoded action", nil)
	}

	req := &gateway.SubmitRequest{
		SignedRawTx: tx.Raw,
		Invoice:     b.payees.Invoice,
		Action:      action,
		PayParams:   b.payParams,
	}
	if c.cfg.ProtocolVersion == ProtocolCurrent {
		broadcast := true
		req.Broadcast = &broadcast
	}
	resp, err := c.api.Submit(ctx, req)
	if err != nil {
		return nil, NewClientError(ErrCodeUpstream, "publish request failed", err)
	}
	res.Response = resp
	c.logger.Info("published", zap.String("action", action), zap.String("txid", tx.TxID))
	return res, nil
}

// splitPayParams removes payParams from payload without mutating it.
func splitPayParams(payload map[string]any) (map[string]any, json.RawMessage, error) {
	v, ok := payload[payParamsKey]
	if !ok {
		return payload, nil, nil
	}
	fields := make(map[string]any, len(payload)-1)
	for k, val := range payload {
		if k != payParamsKey {
			fields[k] = val
		}
	}
	if v == nil {
		return fields, nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return fields, raw, nil
}

// run is the boundary of every pipeline entry point: it recovers panics,
// converts errors to results, logs them, and records the span and counter.
func (c *Client) run(ctx context.Context, op, action string, fn func(context.Context) (*Result, error)) (res *Result) {
	ctx, span := c.tracer.Start(ctx, "twetch."+op, trace.WithAttributes(
		attribute.String("twetch.action", action),
		attribute.String("twetch.network", c.cfg.Network),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res = c.fail(ctx, op, action, fmt.Errorf("panic: %v", r))
		}
		if res == nil {
			res = &Result{}
		}
		code := res.Code
		if res.OK() {
			code = "OK"
			span.SetStatus(codes.Ok, "")
			if res.TxID != "" {
				span.SetAttributes(attribute.String("twetch.txid", res.TxID))
			}
		} else {
			span.SetStatus(codes.Error, res.Error)
			span.SetAttributes(attribute.String("twetch.result_code", res.Code))
		}
		c.results.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("code", code),
		))
	}()

	res, err := fn(ctx)
	if err != nil {
		return c.fail(ctx, op, action, err)
	}
	return res
}

func (c *Client) fail(ctx context.Context, op, action string, err error) *Result {
	res := resultFromError(err)
	if res.Code == ErrCodeUnauthenticated {
		c.session.invalidate(ctx)
	}
	if res.Code == ErrCodeInsufficientFunds {
		c.logger.Warn(op+" aborted", zap.String("action", action), zap.String("code", res.Code))
		return res
	}
	c.logger.Error(op+" failed",
		zap.String("action", action),
		zap.String("code", res.Code),
		zap.Error(err),
	)
	return res
}
