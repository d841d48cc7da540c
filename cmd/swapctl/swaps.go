package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"satsbridge/services/swapd/models"
	"satsbridge/services/swapd/swap"
)

func listCmd(opts *clientOptions) *cobra.Command {
	var (
		state     string
		direction string
		owner     string
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List swaps, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			query := url.Values{}
			if state != "" {
				query.Set("state", strings.ToUpper(state))
			}
			if direction != "" {
				query.Set("direction", strings.ToUpper(direction))
			}
			if owner != "" {
				query.Set("owner", owner)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/admin/swaps"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}
			var resp struct {
				Swaps []models.Swap `json:"swaps"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp.Swaps)
			}
			return printTable(cmd.OutOrStdout(), resp.Swaps)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (pending, processing, complete, failed, manual_review)")
	cmd.Flags().StringVar(&direction, "direction", "", "filter by direction (onramp, offramp)")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum results")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func showCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <swap-id>",
		Short: "Show one swap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return swapAction(cmd, opts, args[0], http.MethodGet, "", nil)
		},
	}
}

func historyCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <swap-id>",
		Short: "Show the state transition audit trail of a swap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			var resp struct {
				Transitions []models.SwapTransition `json:"transitions"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/admin/swaps/"+id.String()+"/transitions", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Transitions)
		},
	}
}

func retryCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <swap-id>",
		Short: "Retry a pending swap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return swapAction(cmd, opts, args[0], http.MethodPost, "/retry", nil)
		},
	}
}

func resolveCmd(opts *clientOptions) *cobra.Command {
	var (
		outcome    string
		note       string
		refundable bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <swap-id>",
		Short: "Settle a swap held for manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := swap.ResolveRequest{
				Outcome:  models.State(strings.ToUpper(strings.TrimSpace(outcome))),
				Operator: opts.operator,
				Note:     note,
			}
			if req.Outcome != models.StateComplete && req.Outcome != models.StateFailed {
				return fmt.Errorf("--outcome must be complete or failed")
			}
			if cmd.Flags().Changed("refundable") {
				req.Refundable = &refundable
			}
			return swapAction(cmd, opts, args[0], http.MethodPost, "/resolve", req)
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "complete or failed")
	cmd.Flags().StringVar(&note, "note", "", "reason recorded with the decision")
	cmd.Flags().BoolVar(&refundable, "refundable", false, "mark a failed swap as owed a refund")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func swapAction(cmd *cobra.Command, opts *clientOptions, rawID, method, suffix string, body any) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var sw models.Swap
	if err := client.do(ctx, method, "/admin/swaps/"+id.String()+suffix, body, &sw); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), sw)
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid swap id %q", raw)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, swaps []models.Swap) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIRECTION\tSTATE\tFIAT\tSATS\tRETRIES\tREASON")
	for _, sw := range swaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%d\t%d/%d\t%s\n",
			sw.ID, sw.Direction, sw.State, sw.AmountFiat.String(), sw.FiatCurrency,
			sw.AmountSats, sw.RetryCount, sw.MaxRetries, sw.FailureReason)
	}
	return tw.Flush()
}
