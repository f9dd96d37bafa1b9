package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func txCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tx", Short: "submit and inspect transactions"}

	var file string
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a signed transaction from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read transaction file: %w", err)
			}
			var tx map[string]interface{}
			if err := json.Unmarshal(blob, &tx); err != nil {
				return fmt.Errorf("parse transaction file: %w", err)
			}
			var out map[string]string
			if err := postJSON(nodeURL(cmd)+"/transaction", tx, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	submitCmd.Flags().StringVar(&file, "file", "", "path to a signed transaction JSON file")
	submitCmd.MarkFlagRequired("file")
	cmd.AddCommand(submitCmd)

	return cmd
}
