package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain", Short: "inspect chain data"}

	var height uint64
	var hash string
	blockCmd := &cobra.Command{
		Use:   "block",
		Short: "fetch a block by height or hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := nodeURL(cmd) + "/block"
			if hash != "" {
				url += "?hash=" + hash
			} else {
				url += fmt.Sprintf("?height=%d", height)
			}
			var out map[string]interface{}
			if err := getJSON(url, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	blockCmd.Flags().Uint64Var(&height, "height", 0, "block height")
	blockCmd.Flags().StringVar(&hash, "hash", "", "block hash (hex)")
	cmd.AddCommand(blockCmd)

	return cmd
}
