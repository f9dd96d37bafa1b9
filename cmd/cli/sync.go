package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "inspect and exercise the sync surface"}

	var start, end uint64
	headersCmd := &cobra.Command{
		Use:   "headers",
		Short: "fetch a range of block headers from a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []map[string]interface{}
			url := fmt.Sprintf("%s/sync/headers?start=%d&end=%d", nodeURL(cmd), start, end)
			if err := getJSON(url, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	headersCmd.Flags().Uint64Var(&start, "start", 0, "start height")
	headersCmd.Flags().Uint64Var(&end, "end", 0, "end height")
	cmd.AddCommand(headersCmd)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "fetch the latest available snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := getJSON(nodeURL(cmd)+"/sync/snapshot", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.AddCommand(snapshotCmd)

	var forkHeight uint64
	forkCmd := &cobra.Command{
		Use:   "fork-check",
		Short: "compare the locally canonical hash at a height",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			req := map[string]uint64{"height": forkHeight}
			if err := postJSON(nodeURL(cmd)+"/sync/fork_check", req, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	forkCmd.Flags().Uint64Var(&forkHeight, "height", 0, "height to check")
	cmd.AddCommand(forkCmd)

	return cmd
}
