package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/chatgate/internal/pricing"
)

const keyPricingFile = "pricing.file"

type costReport struct {
	Model          string          `json:"model"`
	PricingVersion string          `json:"pricing_version"`
	InputTokens    uint64          `json:"input_tokens"`
	OutputTokens   uint64          `json:"output_tokens"`
	Credits        uint64          `json:"credits"`
	Fallback       bool            `json:"fallback"`
	Rates          pricing.Pricing `json:"rates"`
}

func newCostCmd(a *app) *cobra.Command {
	var (
		model        string
		inputTokens  uint64
		outputTokens uint64
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Price token usage against the pricing table",
		Long:  "Prices token usage the way settlement does. Unknown models are charged at the most expensive rate in the table and reported as fallback.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := a.loadCatalog()
			if err != nil {
				return err
			}

			rates, known := catalog.PricingFor(model)
			report := costReport{
				Model:          model,
				PricingVersion: catalog.Version(),
				InputTokens:    inputTokens,
				OutputTokens:   outputTokens,
				Credits:        pricing.Cost(rates, inputTokens, outputTokens),
				Fallback:       !known,
				Rates:          rates,
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if report.Fallback {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q is not in pricing table %s, using most expensive rate\n", model, report.PricingVersion)
			}
			_, err = fmt.Fprintf(out, "%s: %d credits (%d in @ %d/M, %d out @ %d/M)\n",
				model, report.Credits,
				inputTokens, rates.InputCreditsPerMillionTokens,
				outputTokens, rates.OutputCreditsPerMillionTokens)
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model id")
	cmd.Flags().Uint64Var(&inputTokens, "input", 0, "input tokens")
	cmd.Flags().Uint64Var(&outputTokens, "output", 0, "output tokens")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().String("pricing", "", "pricing table TOML file (env CHATGATE_PRICING_FILE, default built-in)")
	_ = cmd.MarkFlagRequired("model")
	_ = a.cfg.BindPFlag(keyPricingFile, cmd.Flags().Lookup("pricing"))
	return cmd
}

func (a *app) loadCatalog() (*pricing.Catalog, error) {
	path := a.cfg.GetString(keyPricingFile)
	if path == "" {
		return pricing.DefaultCatalog(), nil
	}
	catalog, err := pricing.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pricing table: %w", err)
	}
	return catalog, nil
}
