package twetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/samooth/twetch-go/abi"
	"github.com/samooth/twetch-go/gateway"
	"github.com/samooth/twetch-go/storage"
	"github.com/samooth/twetch-go/types"
	"github.com/samooth/twetch-go/wallet"
)

// Networks.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Protocol versions. The legacy protocol reuses a stored token and does not
// ask the server to broadcast.
const (
	ProtocolLegacy  = 1
	ProtocolCurrent = 2
)

// DefaultClientIdentifier identifies SDK installations that do not set one.
const DefaultClientIdentifier = "e4c86c79-3eec-4069-a25c-8436ba8c6009"

// Config holds the client configuration
type Config struct {
	// Network is "mainnet" (default) or "testnet"
	Network string

	// APIURL is the twetch API base, defaults to https://api.twetch.app/v1
	APIURL string

	// AuthURL is the auth API base, defaults to https://auth.twetch.app
	AuthURL string

	// CloudURL is the cloud-functions base used for prices and paymail lookups
	CloudURL string

	// ClientIdentifier is sent with every pricing request
	ClientIdentifier string

	// ProtocolVersion selects ProtocolLegacy or ProtocolCurrent (default)
	ProtocolVersion int

	// SchemaTTL bounds how long a fetched ABI is used before it is refetched.
	// Zero keeps it for the life of the client
	SchemaTTL time.Duration

	// Wallet signs and builds transactions. Defaults to a wallet.Simple whose
	// key lives in Storage
	Wallet types.Wallet

	// Storage persists the session token, the ABI and the default wallet key.
	// Defaults to an in-memory store
	Storage types.KeyValueStore

	// Encoder turns payloads into encoded actions. Defaults to abi.Encoder
	Encoder types.Encoder

	// HTTPClient is shared by the API and auth clients
	HTTPClient *http.Client

	// Logger defaults to a no-op logger
	Logger *zap.Logger

	// TracerProvider and MeterProvider default to the otel globals
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Option mutates a Config.
type Option func(*Config)

// WithNetwork selects mainnet or testnet.
func WithNetwork(network string) Option { return func(c *Config) { c.Network = network } }

// WithAPIURL overrides the API base URL.
func WithAPIURL(u string) Option { return func(c *Config) { c.APIURL = u } }

// WithAuthURL overrides the auth API base URL.
func WithAuthURL(u string) Option { return func(c *Config) { c.AuthURL = u } }

// WithCloudURL overrides the cloud functions base URL.
func WithCloudURL(u string) Option { return func(c *Config) { c.CloudURL = u } }

// WithProtocolVersion selects the legacy (1) or current (2) protocol.
func WithProtocolVersion(v int) Option { return func(c *Config) { c.ProtocolVersion = v } }

// WithSchemaTTL sets how long a fetched schema stays fresh.
func WithSchemaTTL(d time.Duration) Option { return func(c *Config) { c.SchemaTTL = d } }

// WithWallet sets the wallet used to sign and build transactions.
func WithWallet(w types.Wallet) Option { return func(c *Config) { c.Wallet = w } }

// WithStorage sets the store for the token, schema and wallet key.
func WithStorage(s types.KeyValueStore) Option { return func(c *Config) { c.Storage = s } }

// WithEncoder replaces the action encoder.
func WithEncoder(e types.Encoder) Option { return func(c *Config) { c.Encoder = e } }

// WithHTTPClient sets the HTTP client for remote calls.
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithTracerProvider sets the tracer provider for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.TracerProvider = tp }
}

// WithMeterProvider sets the meter provider for the result counter.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.MeterProvider = mp }
}

// Validate fills defaults and checks the configuration. The default wallet
// needs storage access and is created by New.
func (c *Config) Validate() error {
	if c.Network == "" {
		c.Network = NetworkMainnet
	}
	if c.Network != NetworkMainnet && c.Network != NetworkTestnet {
		return fmt.Errorf("unsupported network %q", c.Network)
	}

	if c.APIURL == "" {
		c.APIURL = gateway.DefaultAPIURL
	}
	if c.AuthURL == "" {
		c.AuthURL = gateway.DefaultAuthURL
	}
	if c.CloudURL == "" {
		c.CloudURL = gateway.DefaultCloudURL
	}
	for name, raw := range map[string]string{"api url": c.APIURL, "auth url": c.AuthURL, "cloud url": c.CloudURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}

	if c.ClientIdentifier == "" {
		c.ClientIdentifier = DefaultClientIdentifier
	}
	if _, err := uuid.Parse(c.ClientIdentifier); err != nil {
		return fmt.Errorf("client identifier must be a UUID: %w", err)
	}

	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = ProtocolCurrent
	}
	if c.ProtocolVersion != ProtocolLegacy && c.ProtocolVersion != ProtocolCurrent {
		return fmt.Errorf("unsupported protocol version %d", c.ProtocolVersion)
	}

	if c.SchemaTTL < 0 {
		return fmt.Errorf("schema ttl must not be negative")
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.MeterProvider == nil {
		c.MeterProvider = otel.GetMeterProvider()
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemoryStore()
	}
	if c.Encoder == nil {
		enc, err := abi.NewEncoder()
		if err != nil {
			return err
		}
		c.Encoder = enc
	}
	return nil
}

// FileConfig is the YAML form of the configuration used by the CLI and by
// services that keep their settings on disk.
type FileConfig struct {
	Network          string         `yaml:"network"`
	APIURL           string         `yaml:"api_url"`
	AuthURL          string         `yaml:"auth_url"`
	CloudURL         string         `yaml:"cloud_url"`
	ClientIdentifier string         `yaml:"client_identifier"`
	ProtocolVersion  int            `yaml:"protocol_version"`
	SchemaTTL        time.Duration  `yaml:"schema_ttl"`
	Storage          storage.Config `yaml:"storage"`
	Wallet           WalletConfig   `yaml:"wallet"`
}

// WalletConfig configures the default wallet.
type WalletConfig struct {
	FeePerKB  uint64 `yaml:"fee_per_kb"`
	Broadcast bool   `yaml:"broadcast"`
	ChainURL  string `yaml:"chain_url"`
}

// LoadConfigFile reads path (when non-empty) and applies TWETCH_*
// environment overrides.
func LoadConfigFile(path string) (*FileConfig, error) {
	fc := &FileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := fc.applyEnv(); err != nil {
		return nil, err
	}
	return fc, nil
}

func (f *FileConfig) applyEnv() error {
	strs := map[string]*string{
		"TWETCH_NETWORK":           &f.Network,
		"TWETCH_API_URL":           &f.APIURL,
		"TWETCH_AUTH_URL":          &f.AuthURL,
		"TWETCH_CLOUD_URL":         &f.CloudURL,
		"TWETCH_CLIENT_IDENTIFIER": &f.ClientIdentifier,
		"TWETCH_STORAGE_DRIVER":    &f.Storage.Driver,
		"TWETCH_STORAGE_PATH":      &f.Storage.Path,
		"TWETCH_STORAGE_DSN":       &f.Storage.DSN,
		"TWETCH_STORAGE_ADDR":      &f.Storage.Addr,
		"TWETCH_WALLET_CHAIN_URL":  &f.Wallet.ChainURL,
	}
	for env, dst := range strs {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("TWETCH_PROTOCOL_VERSION"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TWETCH_PROTOCOL_VERSION: %w", err)
		}
		f.ProtocolVersion = n
	}
	if v, ok := os.LookupEnv("TWETCH_SCHEMA_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TWETCH_SCHEMA_TTL: %w", err)
		}
		f.SchemaTTL = d
	}
	if v, ok := os.LookupEnv("TWETCH_WALLET_BROADCAST"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TWETCH_WALLET_BROADCAST: %w", err)
		}
		f.Wallet.Broadcast = b
	}
	return nil
}

// Config opens the configured store and returns the client configuration.
// The wallet is built from the Wallet section.
func (f *FileConfig) Config(ctx context.Context, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := storage.Open(ctx, f.Storage)
	if err != nil {
		return Config{}, fmt.Errorf("open storage: %w", err)
	}

	cfg := Config{
		Network:          f.Network,
		APIURL:           f.APIURL,
		AuthURL:          f.AuthURL,
		CloudURL:         f.CloudURL,
		ClientIdentifier: f.ClientIdentifier,
		ProtocolVersion:  f.ProtocolVersion,
		SchemaTTL:        f.SchemaTTL,
		Storage:          store,
		Logger:           logger,
	}

	opts := []wallet.Option{wallet.WithLogger(logger), wallet.WithBroadcast(f.Wallet.Broadcast)}
	if f.Wallet.FeePerKB > 0 {
		opts = append(opts, wallet.WithFeePerKB(f.Wallet.FeePerKB))
	}
	if f.Wallet.ChainURL != "" {
		opts = append(opts, wallet.WithChainSource(wallet.NewWhatsOnChain(f.Wallet.ChainURL, nil)))
	}
	w, err := wallet.NewSimple(ctx, f.Network, store, opts...)
	if err != nil {
		return Config{}, err
	}
	cfg.Wallet = w
	return cfg, nil
}
