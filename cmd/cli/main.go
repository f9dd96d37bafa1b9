// Command synnergy-cli is an operator CLI talking to a running node's
// HTTP surface (cmd/node), scoped to the chain/mempool/sync/peer
// operations this repo actually implements.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("synn")
	viper.AutomaticEnv()

	root := &cobra.Command{Use: "synnergy-cli", Short: "operate a Synnergy PoS node over its HTTP surface"}
	root.PersistentFlags().String("node", "http://127.0.0.1:8080", "target node base URL")
	viper.BindPFlag("node", root.PersistentFlags().Lookup("node"))

	root.AddCommand(statusCmd())
	root.AddCommand(chainCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(txCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func nodeURL(cmd *cobra.Command) string {
	u, _ := cmd.Flags().GetString("node")
	if u == "" {
		u = viper.GetString("node")
	}
	return u
}
