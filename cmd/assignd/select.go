package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/routing"
	"github.com/GuilhermeSoares009/attendant-routing-engine/internal/snapshot"
)

var snapshotPath string

// selectCmd runs the selector over a JSON snapshot without touching the
// database. Useful for replaying a decision.
var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Rank a JSON snapshot of attendants and print the decision",
	Example: `  assignd select --file snapshot.json
  cat snapshot.json | assignd select`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if snapshotPath != "" && snapshotPath != "-" {
			f, err := os.Open(snapshotPath)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return runSelect(in, cmd.OutOrStdout(), cfg.Assignment.Criteria())
	},
}

func init() {
	selectCmd.Flags().StringVarP(&snapshotPath, "file", "f", "", "Snapshot file (default: stdin)")
}

type selectOutput struct {
	Selected    bool     `json:"selected"`
	AttendantID string   `json:"attendantId,omitempty"`
	Reason      string   `json:"reason"`
	Considered  int      `json:"considered"`
	Eligible    int      `json:"eligible"`
	Ranking     []string `json:"ranking"`
}

func runSelect(in io.Reader, out io.Writer, defaults routing.Criteria) error {
	snap, err := snapshot.Decode(in)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	criteria := snap.Criteria.Apply(defaults)
	attendants := snap.RoutingAttendants()

	decision, err := routing.SelectBestAttendant(attendants, criteria)
	if err != nil {
		return err
	}
	ranked, err := routing.Rank(attendants, criteria)
	if err != nil {
		return err
	}

	result := selectOutput{
		Selected:    decision.Selected,
		AttendantID: decision.AttendantID,
		Reason:      string(decision.Reason),
		Considered:  decision.Considered,
		Eligible:    decision.Eligible,
		Ranking:     make([]string, 0, len(ranked)),
	}
	for _, a := range ranked {
		result.Ranking = append(result.Ranking, a.ID)
	}

	if logger != nil {
		logger.Debug("selection", zap.String("reason", result.Reason), zap.String("attendantId", result.AttendantID))
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
