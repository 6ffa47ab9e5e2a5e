package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newHeadCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "head <url>",
		Short: "Show a stream's current metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, cfg)
			defer cancel()

			result, err := cfg.client.Stream(args[0]).Head(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"contentType":  result.ContentType,
				"offset":       result.Offset,
				"etag":         result.ETag,
				"cacheControl": result.CacheControl,
			})
		},
	}
}
