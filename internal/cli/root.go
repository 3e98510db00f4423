// Package cli implements chatgatectl, the operator tool for inspecting tokens,
// prices and credit batches offline.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "CHATGATE"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

type app struct {
	cfg *viper.Viper
	now func() time.Time
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: newConfig(), now: time.Now}

	var configFile string
	rootCmd := &cobra.Command{
		Use:           "chatgatectl",
		Short:         "chatgate operator tool: tokens, pricing and ledger checks",
		Long:          "chatgatectl signs and verifies bearer tokens, prices token usage against a pricing table, and replays FIFO deductions over a credit batch file.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if configFile == "" {
				return nil
			}
			a.cfg.SetConfigFile(configFile)
			if err := a.cfg.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", configFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (toml, yaml or json)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newTokenCmd(a),
		newCostCmd(a),
		newLedgerCmd(a),
	)

	return rootCmd
}

// newConfig reads CHATGATE_* variables, e.g. CHATGATE_TOKEN_SECRET for token.secret.
func newConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// nowMillis returns --at when set, else the wall clock.
func (a *app) nowMillis(at uint64) uint64 {
	if at > 0 {
		return at
	}
	return uint64(a.now().UnixMilli())
}
