package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

var clarifyCmd = &cobra.Command{
	Use:   "clarify",
	Short: "Review and resolve clarification requests",
	Long:  "Lists the uncertainty flags a run raised and records reviewer resolutions against them.",
}

// -- clarify list --

var clarifyListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List clarification requests for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		requests, err := st.ListClarifications(ctx, args[0], model.ClarificationStatus(status))
		if err != nil {
			return eris.Wrap(err, "clarify list")
		}

		if len(requests) == 0 {
			fmt.Fprintln(os.Stderr, "No clarification requests found.")
			return nil
		}

		formatClarifications(os.Stdout, requests)
		return nil
	},
}

// -- clarify show --

var clarifyShowCmd = &cobra.Command{
	Use:   "show <clarification-id>",
	Short: "Show one clarification request in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		req, err := st.GetClarification(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "clarify show")
		}
		if req == nil {
			return eris.Errorf("clarification %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	},
}

// -- clarify resolve --

var clarifyResolveCmd = &cobra.Command{
	Use:   "resolve <clarification-id>",
	Short: "Resolve a pending clarification with a reviewer value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		rawValue, _ := cmd.Flags().GetString("value")
		note, _ := cmd.Flags().GetString("note")
		if rawValue == "" {
			return eris.New("--value is required")
		}

		req, err := st.GetClarification(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "clarify resolve")
		}
		if req == nil {
			return eris.Errorf("clarification %s not found", args[0])
		}

		if err := req.Resolve(parseResolvedValue(rawValue), note); err != nil {
			return err
		}
		if err := st.UpdateClarification(ctx, req); err != nil {
			return eris.Wrap(err, "clarify resolve")
		}
		// The reviewer's value replaces the extracted one on the stored record.
		if err := st.ApplyResolution(ctx, req); err != nil {
			return eris.Wrap(err, "clarify resolve")
		}

		fmt.Fprintf(os.Stdout, "resolved %s (%s %s)\n", req.ID, req.Facility, req.FieldPath)
		return nil
	},
}

// parseResolvedValue keeps numbers numeric so resolved values compare cleanly
// against extracted ones. Anything that is not valid JSON stays a string.
func parseResolvedValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func formatClarifications(w io.Writer, requests []model.ClarificationRequest) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tKIND\tPRIORITY\tFACILITY\tFIELD")
	for _, r := range requests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			r.ID, r.Status, r.Kind, r.Priority, r.Facility, r.FieldPath)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	clarifyListCmd.Flags().String("status", "", "filter by status (pending, resolved, superseded)")
	clarifyResolveCmd.Flags().String("value", "", "resolved value (JSON literal or plain string)")
	clarifyResolveCmd.Flags().String("note", "", "reviewer note")

	clarifyCmd.AddCommand(clarifyListCmd)
	clarifyCmd.AddCommand(clarifyShowCmd)
	clarifyCmd.AddCommand(clarifyResolveCmd)
	rootCmd.AddCommand(clarifyCmd)
}
