package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	twetch "github.com/samooth/twetch-go"
	"github.com/samooth/twetch-go/keysync"
	"github.com/samooth/twetch-go/types"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

const satoshisPerBSV = 1e8

// usageError marks errors caused by bad arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

type globalFlags struct {
	configPath  string
	network     string
	apiURL      string
	storage     string
	storagePath string
	verbose     bool
}

// Runner executes the CLI against the given writers.
type Runner struct {
	stdout io.Writer
	stderr io.Writer
}

func NewRunner(stdout, stderr io.Writer) *Runner {
	return &Runner{stdout: stdout, stderr: stderr}
}

type runtimeState struct {
	runner *Runner
	flags  globalFlags
	logger *zap.Logger
	client *twetch.Client
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	if state.logger != nil {
		_ = state.logger.Sync()
	}
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(r.stderr, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFailed
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twetch",
		Short: "Build, price, sign and publish twetch actions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			if s.flags.verbose {
				logger, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				s.logger = logger
			} else {
				s.logger = zap.NewNop()
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	cmd.PersistentFlags().StringVar(&s.flags.configPath, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&s.flags.network, "network", "", "mainnet or testnet")
	cmd.PersistentFlags().StringVar(&s.flags.apiURL, "api-url", "", "Twetch API base URL")
	cmd.PersistentFlags().StringVar(&s.flags.storage, "storage", "", "Storage driver: memory, file, sqlite, postgres, redis")
	cmd.PersistentFlags().StringVar(&s.flags.storagePath, "storage-path", "", "File or SQLite path for the storage driver")
	cmd.PersistentFlags().BoolVarP(&s.flags.verbose, "verbose", "v", false, "Log pipeline steps to stderr")

	cmd.AddCommand(s.newInitCommand())
	cmd.AddCommand(s.newBalanceCommand())
	cmd.AddCommand(s.newPriceCommand())
	cmd.AddCommand(s.newActionCommand("build", "Encode and price an action without signing it"))
	cmd.AddCommand(s.newActionCommand("publish", "Sign and publish an action"))
	cmd.AddCommand(s.newMnemonicCommand())
	return cmd
}

// clientFor builds the client once per invocation. Flags override the config
// file, which overrides the environment defaults.
func (s *runtimeState) clientFor(ctx context.Context) (*twetch.Client, error) {
	if s.client != nil {
		return s.client, nil
	}

	fc, err := twetch.LoadConfigFile(s.flags.configPath)
	if err != nil {
		return nil, &usageError{err: err}
	}
	if s.flags.network != "" {
		fc.Network = s.flags.network
	}
	if s.flags.apiURL != "" {
		fc.APIURL = s.flags.apiURL
	}
	if s.flags.storage != "" {
		fc.Storage.Driver = s.flags.storage
	}
	if s.flags.storagePath != "" {
		fc.Storage.Path = s.flags.storagePath
	}

	cfg, err := fc.Config(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	client, err := twetch.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *runtimeState) newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print the signing address and message to register on twetch.app/developer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.clientFor(cmd.Context())
			if err != nil {
				return err
			}
			return client.Init(cmd.OutOrStdout())
		},
	}
}

func (s *runtimeState) newBalanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the wallet address and balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.clientFor(cmd.Context())
			if err != nil {
				return err
			}
			address, err := client.Wallet().Address()
			if err != nil {
				return err
			}
			balance, err := client.Wallet().Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nbalance: %s sats (%s BSV)\n",
				address,
				humanize.Comma(balance),
				humanize.FtoaWithDigits(float64(balance)/satoshisPerBSV, 8))
			return nil
		},
	}
}

func (s *runtimeState) newPriceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Show the current BSV price in USD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.clientFor(cmd.Context())
			if err != nil {
				return err
			}
			price, err := client.BSVPrice(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "1 BSV = $%s\n", humanize.CommafWithDigits(price, 2))
			return nil
		},
	}
}

func (s *runtimeState) newActionCommand(name, short string) *cobra.Command {
	var payloadArg, filePath string
	cmd := &cobra.Command{
		Use:   name + " <action>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadArg)
			if err != nil {
				return &usageError{err: err}
			}
			file, err := readFile(filePath)
			if err != nil {
				return &usageError{err: err}
			}

			client, err := s.clientFor(cmd.Context())
			if err != nil {
				return err
			}

			var res *twetch.Result
			if name == "build" {
				res = client.Build(cmd.Context(), args[0], payload, file)
			} else {
				res = client.Publish(cmd.Context(), args[0], payload, file)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("%s %s: %s", name, args[0], res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&payloadArg, "payload", "p", "{}", "JSON payload, or @path to read it from a file")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "File to attach to the action")
	return cmd
}

func (s *runtimeState) newMnemonicCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Share the account mnemonic with linked paymail wallets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Generate a mnemonic and sync it to the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.clientFor(cmd.Context())
			if err != nil {
				return err
			}
			mnemonic, err := keysync.New(client, s.logger).CreateMnemonic(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mnemonic)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "sync <mnemonic>",
		Short: "Sync an existing mnemonic to the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := s.clientFor(cmd.Context())
			if err != nil {
				return err
			}
			synced, err := keysync.New(client, s.logger).SyncPublicKeys(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if !synced {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to sync")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "synced")
			return nil
		},
	})
	return cmd
}

func readPayload(arg string) (map[string]any, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func readFile(path string) (*types.File, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &types.File{Name: filepath.Base(path), ContentType: contentType, Data: data}, nil
}
