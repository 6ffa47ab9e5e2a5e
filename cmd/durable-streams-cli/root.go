package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ds "github.com/durable-streams/durable-streams"
)

type rootConfig struct {
	baseURL string
	timeout time.Duration
	verbose bool

	logger *zap.Logger
	client *ds.Client
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}
	return buildRootCmd(cfg)
}

func buildRootCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "durable-streams-cli",
		Short:         "Inspect and exercise a Durable Streams server from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if cfg.verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = l
			}
			cfg.logger = logger
			cfg.client = ds.NewClient(
				ds.WithBaseURL(cfg.baseURL),
				ds.WithLogger(logger),
			)
			return nil
		},
	}
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	f := cmd.PersistentFlags()
	f.StringVar(&cfg.baseURL, "base-url", "", "base URL prepended to every stream URL passed on the command line")
	f.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "per-request timeout")
	f.BoolVar(&cfg.verbose, "verbose", false, "attach a development logger (stderr) to the client; requests and responses are not logged")

	cmd.AddCommand(newHeadCmd(cfg))
	cmd.AddCommand(newCreateCmd(cfg))
	cmd.AddCommand(newAppendCmd(cfg))
	cmd.AddCommand(newReadCmd(cfg))

	return cmd
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if derr, ok := ds.AsError(err); ok {
		switch derr.Kind {
		case ds.KindInvalidArgument, ds.KindBadRequest:
			return exitUsage
		}
	}
	return exitRequest
}
