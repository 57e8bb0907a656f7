package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"segmenter/internal/verifier"

	"github.com/spf13/cobra"
)

// errContinuity is returned by verify when the ledger shows lost or
// unexpectedly duplicated units.
var errContinuity = errors.New("continuity check failed")

var verifyCmd = &cobra.Command{
	Use:   "verify <recording-dir | ledger.csv>",
	Short: "Check a recorded ledger for lost and duplicated units",
	Long: `verify reads a continuity ledger and its transitions journal and prints
the continuity report as JSON. It exits non-zero if any access unit was lost
or duplicated outside an overlap window.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().String("transitions", "", "transitions journal (default: next to the ledger)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{})
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ledgerPath, journalPath, err := resolveLedgerPaths(args[0])
	if err != nil {
		return err
	}
	if p, _ := cmd.Flags().GetString("transitions"); p != "" {
		journalPath = p
	}

	report, err := verifyFiles(ledgerPath, journalPath)
	if err != nil {
		return err
	}
	log.Debug("ledger analyzed",
		slog.String("ledger", ledgerPath),
		slog.Int("entries", report.Entries),
		slog.Int("transitions", report.Transitions))

	if err := writeReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.OK() {
		return errContinuity
	}
	return nil
}

func resolveLedgerPaths(arg string) (ledger, journal string, err error) {
	info, err := os.Stat(arg)
	if err != nil {
		return "", "", err
	}
	if info.IsDir() {
		return filepath.Join(arg, ledgerFileName), filepath.Join(arg, transitionsFileName), nil
	}
	return arg, filepath.Join(filepath.Dir(arg), transitionsFileName), nil
}

func verifyFiles(ledgerPath, journalPath string) (verifier.Report, error) {
	lf, err := os.Open(ledgerPath)
	if err != nil {
		return verifier.Report{}, fmt.Errorf("open ledger: %w", err)
	}
	defer lf.Close()

	entries, err := verifier.ReadLedger(lf)
	if err != nil {
		return verifier.Report{}, fmt.Errorf("read %s: %w", ledgerPath, err)
	}

	var transitions []verifier.Transition
	jf, err := os.Open(journalPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Without a journal every overlap duplicate is unexpected.
	case err != nil:
		return verifier.Report{}, fmt.Errorf("open transitions journal: %w", err)
	default:
		defer jf.Close()
		if transitions, err = verifier.ReadTransitions(jf); err != nil {
			return verifier.Report{}, fmt.Errorf("read %s: %w", journalPath, err)
		}
	}

	return verifier.AnalyzeEntries(entries, transitions), nil
}

func writeReport(w io.Writer, report verifier.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		verifier.Report
		OK      bool `json:"ok"`
		Aligned bool `json:"aligned"`
	}{report, report.OK(), report.Aligned()})
}
