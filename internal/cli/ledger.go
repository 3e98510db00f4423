package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/chatgate/internal/ledger"
	"github.com/jmylchreest/chatgate/internal/models"
)

type deductReport struct {
	Amount    uint64               `json:"amount"`
	Deducted  uint64               `json:"deducted"`
	Shortfall uint64               `json:"shortfall"`
	Touched   []string             `json:"touched"`
	Remaining uint64               `json:"remaining"`
	Batches   []models.CreditBatch `json:"batches"`
}

func newLedgerCmd(_ *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect credit batch files",
	}
	cmd.AddCommand(newLedgerDeductCmd())
	return cmd
}

func newLedgerDeductCmd() *cobra.Command {
	var (
		batchFile string
		amount    uint64
		write     bool
	)
	cmd := &cobra.Command{
		Use:   "deduct",
		Short: "Replay a FIFO deduction over a JSON batch file",
		Long:  "Reads a JSON array of credit batches, deducts the amount oldest purchase first, and prints the result. With --write the updated batches replace the file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			batches, err := readBatches(batchFile)
			if err != nil {
				return err
			}
			if err := ledger.Validate(batches); err != nil {
				return fmt.Errorf("batch file %s: %w", batchFile, err)
			}

			res := ledger.Deduct(batches, amount)
			report := deductReport{
				Amount:    amount,
				Deducted:  res.Deducted,
				Shortfall: res.Shortfall,
				Touched:   res.Touched,
				Remaining: ledger.Total(res.UpdatedBatches),
				Batches:   res.UpdatedBatches,
			}
			if report.Touched == nil {
				report.Touched = []string{}
			}

			if write {
				if err := writeBatches(batchFile, res.UpdatedBatches); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&batchFile, "batches", "", "JSON file holding an array of credit batches")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "credits to deduct")
	cmd.Flags().BoolVar(&write, "write", false, "write the updated batches back to the file")
	_ = cmd.MarkFlagRequired("batches")
	return cmd
}

func readBatches(path string) ([]models.CreditBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var batches []models.CreditBatch
	if err := json.Unmarshal(data, &batches); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	return batches, nil
}

func writeBatches(path string, batches []models.CreditBatch) error {
	data, err := json.MarshalIndent(batches, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batches: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write batch file: %w", err)
	}
	return nil
}
