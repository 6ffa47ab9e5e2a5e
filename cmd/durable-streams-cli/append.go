package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	ds "github.com/durable-streams/durable-streams"
)

func newAppendCmd(cfg *rootConfig) *cobra.Command {
	var contentType string
	var seq string

	cmd := &cobra.Command{
		Use:   "append <url> [value]",
		Short: "Append one record, reading it from the argument or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, cfg)
			defer cancel()

			var raw string
			if len(args) == 2 {
				raw = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				raw = string(data)
			}

			var value any = raw
			if contentType == "" || contentType == "application/json" {
				var decoded any
				if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
					return fmt.Errorf("value is not valid JSON: %w", err)
				}
				value = decoded
			}

			result, err := cfg.client.Stream(args[0]).Append(ctx, value, ds.AppendOptions{
				ContentType: contentType,
				Seq:         seq,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.NextOffset)
			return nil
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "value content type")
	cmd.Flags().StringVar(&seq, "seq", "", "optional lexicographically ordered dedupe key")
	return cmd
}
