package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	ds "github.com/durable-streams/durable-streams"
)

func newReadCmd(cfg *rootConfig) *cobra.Command {
	var offset string
	var live string
	var all bool

	cmd := &cobra.Command{
		Use:   "read <url>",
		Short: "Read a stream's events, one JSON line per event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			liveMode, err := parseLiveMode(live)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			session, err := cfg.client.Stream(args[0]).Open(ctx, ds.StreamOptions{
				Offset: ds.Offset(offset),
				Live:   liveMode,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			out := json.NewEncoder(cmd.OutOrStdout())

			if all {
				events, err := ds.ReadAllJSON(session, func(raw json.RawMessage) (json.RawMessage, error) {
					return raw, nil
				})
				if err != nil {
					return err
				}
				for _, ev := range events {
					if err := out.Encode(ev); err != nil {
						return err
					}
				}
				return nil
			}

			for ev, err := range session.Events() {
				if err != nil {
					return err
				}
				if err := out.Encode(map[string]any{
					"data":     ev.Data,
					"offset":   ev.NextOffset,
					"upToDate": ev.UpToDate,
					"cursor":   ev.Cursor,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&offset, "offset", string(ds.StartOffset), "offset to start reading from")
	cmd.Flags().StringVar(&live, "live", "", "live mode: \"\" (catch-up only), auto, long-poll, sse")
	cmd.Flags().BoolVar(&all, "all", false, "read until the first up-to-date boundary and exit, ignoring --live (fails with --live sse)")
	return cmd
}

func parseLiveMode(live string) (ds.LiveMode, error) {
	switch live {
	case "":
		return ds.LiveModeNone, nil
	case "auto":
		return ds.LiveModeAuto, nil
	case "long-poll":
		return ds.LiveModeLongPoll, nil
	case "sse":
		return ds.LiveModeSSE, nil
	default:
		return "", fmt.Errorf("unknown --live value %q", live)
	}
}
