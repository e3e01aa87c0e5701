package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "snaprelay",
		Short:         "Credential-rotating relay for a video extraction API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	root.AddCommand(newServeCmd(&configPath), newExtractCmd(&configPath))
	return root
}

// setup loads config, logger and credentials shared by every command.
func setup(configPath string) (*Config, *zap.Logger, *CredentialSet, error) {
	cfg, err := LoadConfig(afero.NewOsFs(), configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	creds := ResolveCredentials(cfg.Upstream, os.Environ())
	if creds.Len() == 0 {
		log.Error("no upstream credentials found; extraction requests will fail",
			zap.String("env_prefix", cfg.Upstream.KeyEnvPrefix),
		)
	}
	return cfg, log, creds, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, creds, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			mirror := initRedis(ctx, cfg.Redis, log)
			defer mirror.Close()

			srv := NewServer(cfg, Deps{Credentials: creds, Mirror: mirror, Logger: log})
			if err := srv.Run(ctx); err != nil {
				log.Error("server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func newExtractCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <url>",
		Short: "Resolve a source URL once and print the upstream payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, creds, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := shutdownContext(cmd.Context())
			defer stop()

			upstream := NewUpstreamClient(nil, cfg.Upstream)
			d := NewDispatcher(creds, upstream, cfg.Upstream.AttemptTimeout, nil, log)
			return runExtract(ctx, d, args[0], cmd.OutOrStdout())
		},
	}
}

func runExtract(ctx context.Context, d *Dispatcher, sourceURL string, out io.Writer) error {
	result, err := d.Dispatch(ctx, sourceURL)
	if err != nil {
		status, msg := httpStatusFor(err)
		json.NewEncoder(out).Encode(ErrorResponse{Error: msg})
		return fmt.Errorf("extraction failed with status %d: %w", status, err)
	}
	_, err = fmt.Fprintf(out, "%s\n", result.Payload)
	return err
}
