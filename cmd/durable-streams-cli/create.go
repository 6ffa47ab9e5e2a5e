package main

import (
	"github.com/spf13/cobra"

	ds "github.com/durable-streams/durable-streams"
)

func newCreateCmd(cfg *rootConfig) *cobra.Command {
	var contentType string
	var ttlSeconds int64

	cmd := &cobra.Command{
		Use:   "create <url>",
		Short: "Create a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, cfg)
			defer cancel()

			opts := ds.CreateStreamOptions{ContentType: contentType}
			if ttlSeconds > 0 {
				opts.TTLSeconds = &ttlSeconds
			}
			return cfg.client.Stream(args[0]).CreateStream(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "stream content type")
	cmd.Flags().Int64Var(&ttlSeconds, "ttl", 0, "retention TTL in seconds (0 = server default)")
	return cmd
}
