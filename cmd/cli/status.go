package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print node status and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := getJSON(nodeURL(cmd)+"/status", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "print quick liveness check",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := getJSON(nodeURL(cmd)+"/health", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "mempool",
		Short: "print mempool size from the status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := getJSON(nodeURL(cmd)+"/status", &out); err != nil {
				return err
			}
			fmt.Printf("mempool_size: %v\n", out["mempool_size"])
			return nil
		},
	})
	return cmd
}
