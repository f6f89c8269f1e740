package twetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/samooth/twetch-go/gateway"
	"github.com/samooth/twetch-go/storage"
	"github.com/samooth/twetch-go/types"
	"github.com/samooth/twetch-go/wallet"
)

const (
	postAction  = "twetch/post@0.0.1"
	testWIF     = "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn"
	testAddress = "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"
	payeeBody   = `{"payees":[{"address":"1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH","amount":1000}],"invoice":"inv-1"}`
)

// fakeAPI serves the twetch API, the auth API and the cloud functions from
// one httptest server.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server
	abi []byte

	mu            sync.Mutex
	hits          map[string]int
	authHeaders   map[string]string
	token         string
	abiStatus     int
	payeesStatus  int
	payeesBody    string
	publishStatus int
	publishBody   string
	graphqlStatus int
	graphqlBody   string
	payeesReq     gateway.PayeesRequest
	publishReq    map[string]any
	graphqlReqs   []gateway.GraphQLRequest
	authReq       gateway.AuthRequest
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	raw, err := os.ReadFile("abi/testdata/twetch.json")
	require.NoError(t, err)

	f := &fakeAPI{
		t:           t,
		abi:         raw,
		hits:        map[string]int{},
		authHeaders: map[string]string{},
		token:       "token-1",
		payeesBody:  payeeBody,
		publishBody: `{"txid":"server-txid","published":true}`,
		graphqlBody: `{"data":{}}`,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hits[r.URL.Path]++
	f.authHeaders[r.URL.Path] = r.Header.Get("Authorization")
	body, _ := io.ReadAll(r.Body)

	reply := func(status int, payload string) {
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}

	switch r.URL.Path {
	case "/api/v1/challenge":
		reply(0, `{"message":"challenge-1"}`)
	case "/api/v1/authenticate":
		require.NoError(f.t, json.Unmarshal(body, &f.authReq))
		reply(0, `{"token":"`+f.token+`"}`)
	case "/v1/abi":
		if f.abiStatus != 0 {
			reply(f.abiStatus, `{}`)
			return
		}
		reply(0, string(f.abi))
	case "/v1/payees":
		require.NoError(f.t, json.Unmarshal(body, &f.payeesReq))
		reply(f.payeesStatus, f.payeesBody)
	case "/v1/publish":
		f.publishReq = map[string]any{}
		require.NoError(f.t, json.Unmarshal(body, &f.publishReq))
		reply(f.publishStatus, f.publishBody)
	case "/v1/graphql":
		var req gateway.GraphQLRequest
		require.NoError(f.t, json.Unmarshal(body, &req))
		f.graphqlReqs = append(f.graphqlReqs, req)
		reply(f.graphqlStatus, f.graphqlBody)
	case "/cloud/exchange-rate":
		reply(0, `{"price":55.5}`)
	case "/cloud/bsvalias":
		reply(0, `{"pubkey":"02abcdef"}`)
	default:
		reply(http.StatusNotFound, `{}`)
	}
}

func (f *fakeAPI) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeAPI) TotalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.hits {
		n += v
	}
	return n
}

func (f *fakeAPI) options() []Option {
	return []Option{
		WithAPIURL(f.srv.URL + "/v1"),
		WithAuthURL(f.srv.URL),
		WithCloudURL(f.srv.URL + "/cloud"),
	}
}

// fakeWallet signs with a recognisable marker and returns a fixed tx.
type fakeWallet struct {
	mu         sync.Mutex
	balance    int64
	canPublish bool
	buildErr   error
	panics     bool
	signed     []string
	data       [][]byte
	payees     []types.Payee
}

func (w *fakeWallet) Address() (string, error) { return testAddress, nil }

func (w *fakeWallet) Sign(message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signed = append(w.signed, message)
	return "sig:" + message, nil
}

func (w *fakeWallet) Balance(context.Context) (int64, error) { return w.balance, nil }

func (w *fakeWallet) CanPublish() bool { return w.canPublish }

func (w *fakeWallet) BuildTx(_ context.Context, _ string, data [][]byte, payees []types.Payee) (*types.SignedTransaction, error) {
	if w.panics {
		panic("wallet exploded")
	}
	if w.buildErr != nil {
		return nil, w.buildErr
	}
	w.mu.Lock()
	w.data = data
	w.payees = payees
	w.mu.Unlock()
	return &types.SignedTransaction{TxID: "local-txid", Raw: "00"}, nil
}

func (w *fakeWallet) Signed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.signed...)
}

// fakeChain funds wallet.Simple with one UTXO.
type fakeChain struct{}

func (fakeChain) Balance(context.Context, string) (int64, error) { return 100000, nil }

func (fakeChain) Unspent(context.Context, string) ([]wallet.UTXO, error) {
	return []wallet.UTXO{{TxHash: strings.Repeat("ab", 32), TxPos: 0, Value: 100000, Height: 1}}, nil
}

func (fakeChain) Broadcast(context.Context, string) (string, error) {
	return "", errors.New("not broadcasting")
}

func newTestClient(t *testing.T, api *fakeAPI, opts ...Option) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{}, append(api.options(), opts...)...)
	require.NoError(t, err)
	return c
}

func TestPublish_WalletBroadcasts(t *testing.T) {
	api := newFakeAPI(t)
	w := &fakeWallet{balance: 5000, canPublish: true}
	c := newTestClient(t, api, WithWallet(w))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
	require.True(t, res.OK(), res.Error)

	assert.Equal(t, "local-txid", res.TxID)
	assert.Equal(t, 0, api.Hits("/v1/publish"), "wallet publishes itself")
	assert.Equal(t, 1, api.Hits("/v1/payees"))
	assert.Equal(t, []types.Payee{{Address: testAddress, Amount: 1000}}, res.Payees)
	assert.Equal(t, "inv-1", res.Invoice.String())

	args := res.Action.Args()
	hash, err := res.Action.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, "inv-1", args[14])
	assert.Equal(t, testAddress, args[18])
	assert.Equal(t, "sig:"+hash, args[19])
	assert.Equal(t, []string{"challenge-1", hash}, w.Signed())

	// The pricing request saw the placeholders, not their values.
	assert.Equal(t, "#{invoice}", api.payeesReq.Args[14])
	assert.Equal(t, DefaultClientIdentifier, api.payeesReq.ClientIdentifier)
	assert.Equal(t, "Bearer token-1", api.authHeaders["/v1/payees"])
	assert.Len(t, w.data, 20)
}

func TestPublish_NullOptionalField(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000, canPublish: true}))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello", "reply": nil}, nil)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "local-txid", res.TxID)
	assert.Equal(t, 1, api.Hits("/v1/payees"))
}

func TestPublish_SubmitsSignedTransaction(t *testing.T) {
	api := newFakeAPI(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), wallet.PrivateKeyStorageKey, testWIF))
	w, err := wallet.NewSimple(context.Background(), NetworkMainnet, store, wallet.WithChainSource(fakeChain{}))
	require.NoError(t, err)

	c := newTestClient(t, api, WithWallet(w), WithStorage(store))

	payload := map[string]any{
		"text":      "hello",
		"reply":     "abc123",
		"payParams": map[string]any{"tweetFromTwetch": true},
	}
	res := c.Publish(context.Background(), postAction, payload, nil)
	require.True(t, res.OK(), res.Error)

	assert.Len(t, res.TxID, 64)
	assert.NotEqual(t, "server-txid", res.TxID, "local txid wins")
	assert.Equal(t, 1, api.Hits("/v1/publish"))

	assert.NotEmpty(t, api.publishReq["signed_raw_tx"])
	assert.Equal(t, "inv-1", api.publishReq["invoice"])
	assert.Equal(t, postAction, api.publishReq["action"])
	assert.Equal(t, true, api.publishReq["broadcast"])
	assert.Equal(t, map[string]any{"tweetFromTwetch": true}, api.publishReq["payParams"])
	assert.Equal(t, testAddress, api.authReq.Address)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(out, &flat))
	assert.Equal(t, res.TxID, flat["txid"])
	assert.Equal(t, true, flat["published"])
	assert.Contains(t, flat, "abi")
	assert.NotContains(t, flat, "error")
}

func TestPublish_LegacyProtocol(t *testing.T) {
	api := newFakeAPI(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), TokenStorageKey, "stored-token"))
	w := &fakeWallet{balance: 5000}
	c := newTestClient(t, api, WithWallet(w), WithStorage(store), WithProtocolVersion(ProtocolLegacy),
		WithEncoder(&passthroughEncoder{}))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
	require.True(t, res.OK(), res.Error)

	assert.Equal(t, 0, api.Hits("/api/v1/challenge"), "stored token is reused")
	assert.Equal(t, "Bearer stored-token", api.authHeaders["/v1/publish"])
	assert.NotContains(t, api.publishReq, "broadcast")
}

func TestPublish_CurrentProtocolAuthenticatesOnce(t *testing.T) {
	api := newFakeAPI(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), TokenStorageKey, "stored-token"))
	c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000, canPublish: true}), WithStorage(store))

	for i := 0; i < 2; i++ {
		res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
		require.True(t, res.OK(), res.Error)
	}
	assert.Equal(t, 1, api.Hits("/api/v1/challenge"))
	assert.Equal(t, "Bearer token-1", api.authHeaders["/v1/payees"])

	stored, ok, err := store.Get(context.Background(), TokenStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "token-1", stored)
}

func TestPublish_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*fakeAPI)
		wantError string
		wantCode  string
	}{
		{
			name:      "unauthenticated",
			setup:     func(a *fakeAPI) { a.payeesStatus = http.StatusUnauthorized; a.payeesBody = `{}` },
			wantError: "unauthenticated",
			wantCode:  ErrCodeUnauthenticated,
		},
		{
			name: "validation errors",
			setup: func(a *fakeAPI) {
				a.publishStatus = http.StatusBadRequest
				a.publishBody = `{"errors":["bad field","too long"]}`
			},
			wantError: "bad field, too long",
			wantCode:  ErrCodeRemoteValidation,
		},
		{
			name:      "server error",
			setup:     func(a *fakeAPI) { a.publishStatus = http.StatusInternalServerError; a.publishBody = `{}` },
			wantError: "something went wrong",
			wantCode:  ErrCodeUpstream,
		},
		{
			name:     "abi unavailable",
			setup:    func(a *fakeAPI) { a.abiStatus = http.StatusServiceUnavailable },
			wantCode: ErrCodeSchemaUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t)
			tt.setup(api)
			store := storage.NewMemoryStore()
			c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000}), WithStorage(store),
				WithEncoder(&passthroughEncoder{}))

			res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
			require.False(t, res.OK())
			assert.Equal(t, tt.wantCode, res.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, res.Error)
			}

			if tt.wantCode == ErrCodeUnauthenticated {
				_, ok, err := store.Get(context.Background(), TokenStorageKey)
				require.NoError(t, err)
				assert.False(t, ok, "rejected token is deleted")
			}
		})
	}
}

func TestPublish_ZeroBalance(t *testing.T) {
	api := newFakeAPI(t)
	core, logs := observer.New(zapcore.WarnLevel)
	c := newTestClient(t, api, WithWallet(&fakeWallet{}), WithLogger(zap.New(core)))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
	require.False(t, res.OK())
	assert.Equal(t, "insufficient funds", res.Error)
	assert.Equal(t, ErrCodeInsufficientFunds, res.Code)
	assert.Equal(t, 0, api.TotalHits(), "no network call without funds")
	assert.Equal(t, 1, logs.FilterMessageSnippet("no funds").Len())
}

func TestPublish_WalletShortOfFunds(t *testing.T) {
	api := newFakeAPI(t)
	w := &fakeWallet{balance: 10, buildErr: errors.Join(types.ErrInsufficientFunds, errors.New("need 1100"))}
	c := newTestClient(t, api, WithWallet(w))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
	assert.Equal(t, "insufficient funds", res.Error)
	assert.Equal(t, ErrCodeInsufficientFunds, res.Code)
}

func TestPublish_EncodingError(t *testing.T) {
	api := newFakeAPI(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000}), WithLogger(zap.New(core)))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello", "bogus": 1}, nil)
	require.False(t, res.OK())
	assert.Equal(t, ErrCodeEncoding, res.Code)
	assert.Equal(t, 0, api.Hits("/v1/payees"))

	entries := logs.FilterMessage("Publish failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, ErrCodeEncoding, entries[0].ContextMap()["code"])
}

func TestPublish_RecoversPanic(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000, panics: true}))

	var res *Result
	require.NotPanics(t, func() {
		res = c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
	})
	require.False(t, res.OK())
	assert.Contains(t, res.Error, "wallet exploded")
	assert.Equal(t, ErrCodeTransport, res.Code)
}

func TestBuild(t *testing.T) {
	api := newFakeAPI(t)
	w := &fakeWallet{balance: 5000}
	c := newTestClient(t, api, WithWallet(w))

	const override = "0c5a9f2e-1b0d-4a53-9a57-3f5a0b9d1e11"
	res := c.Build(context.Background(), postAction, map[string]any{"text": "hello"}, nil, WithClientIdentifier(override))
	require.True(t, res.OK(), res.Error)

	assert.Empty(t, res.TxID)
	assert.Equal(t, override, api.payeesReq.ClientIdentifier)
	args := res.Action.Args()
	assert.Equal(t, "inv-1", args[14])
	assert.Equal(t, PlaceholderAddress, args[18], "build stops before signing")
	assert.Equal(t, PlaceholderSignature, args[19])
	assert.Equal(t, []string{"challenge-1"}, w.Signed())
}

func TestSubmit(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api, WithWallet(&fakeWallet{}))

	res := c.Submit(context.Background(), nil)
	assert.Equal(t, ErrCodeEncoding, res.Code)

	req := &gateway.SubmitRequest{
		SignedRawTx: "0100",
		Invoice:     types.NewInvoice("inv-9"),
		Action:      postAction,
	}
	res = c.Submit(context.Background(), req)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "server-txid", res.TxID)
	assert.Equal(t, true, api.publishReq["broadcast"])
	assert.Nil(t, req.Broadcast, "caller's request is left untouched")
	assert.Equal(t, "inv-9", api.publishReq["invoice"])
}

func TestSchema_FallsBackToStoredCopy(t *testing.T) {
	api := newFakeAPI(t)
	api.abiStatus = http.StatusBadGateway
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), SchemaStorageKey, string(api.abi)))

	c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000}), WithStorage(store))
	schema, err := c.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "twetch", schema.Name)

	_, err = c.RefreshSchema(context.Background())
	assert.Equal(t, ErrCodeSchemaUnavailable, GetErrorCode(err))
}

func TestSchema_PersistsFetchedCopy(t *testing.T) {
	api := newFakeAPI(t)
	store := storage.NewMemoryStore()
	c := newTestClient(t, api, WithWallet(&fakeWallet{}), WithStorage(store))

	_, err := c.Schema(context.Background())
	require.NoError(t, err)
	_, err = c.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, api.Hits("/v1/abi"))

	raw, ok, err := store.Get(context.Background(), SchemaStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(api.abi), raw)
}

func TestPublish_RecordsSpan(t *testing.T) {
	api := newFakeAPI(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c := newTestClient(t, api, WithWallet(&fakeWallet{balance: 5000, canPublish: true}), WithTracerProvider(tp))

	res := c.Publish(context.Background(), postAction, map[string]any{"text": "hello"}, nil)
	require.True(t, res.OK(), res.Error)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "twetch.Publish", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, postAction, attrs["twetch.action"])
	assert.Equal(t, NetworkMainnet, attrs["twetch.network"])
	assert.Equal(t, "local-txid", attrs["twetch.txid"])
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Network: "regtest"})
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidConfig, GetErrorCode(err))
}

func TestSplitPayParams(t *testing.T) {
	payload := map[string]any{"text": "a", "payParams": map[string]any{"x": 1}}
	fields, raw, err := splitPayParams(payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "a"}, fields)
	assert.JSONEq(t, `{"x":1}`, string(raw))
	assert.Contains(t, payload, "payParams", "input is not mutated")

	fields, raw, err = splitPayParams(map[string]any{"text": "a"})
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, map[string]any{"text": "a"}, fields)

	_, _, err = splitPayParams(map[string]any{"payParams": make(chan int)})
	assert.Error(t, err)
}

// passthroughEncoder encodes the payload text as a single argument and
// decodes any transaction to the same arguments, so pipeline tests can use
// a wallet without a real transaction.
type passthroughEncoder struct {
	last *fakeAction
}

func (e *passthroughEncoder) Encode(_ *types.ActionSchema, _, action string, payload map[string]any, _ *types.File) (types.EncodedAction, error) {
	text, _ := payload["text"].(string)
	e.last = &fakeAction{action: action, args: []string{text, PlaceholderInvoice, PlaceholderAddress, PlaceholderSignature}}
	return e.last, nil
}

func (e *passthroughEncoder) Decode(_ *types.ActionSchema, _, action, _ string) (types.EncodedAction, error) {
	return &fakeAction{action: action, args: e.last.Args()}, nil
}

type fakeAction struct {
	action string
	args   []string
}

func (a *fakeAction) Action() string { return a.action }

func (a *fakeAction) Args() []string { return append([]string(nil), a.args...) }

func (a *fakeAction) Chunks() ([][]byte, error) {
	out := make([][]byte, len(a.args))
	for i, v := range a.args {
		out[i] = []byte(v)
	}
	return out, nil
}

func (a *fakeAction) ContentHash() (string, error) { return strings.Join(a.args[:2], "|"), nil }

func (a *fakeAction) Replace(token, value string) error {
	for i, v := range a.args {
		if v == token {
			a.args[i] = value
		}
	}
	return nil
}
