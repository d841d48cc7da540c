package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &clientOptions{}
	root := &cobra.Command{
		Use:           "swapctl",
		Short:         "Operate swapd swaps through the admin API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.endpoint, "endpoint", envOr("SWAPD_ENDPOINT", "https://localhost:7074"), "swapd base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SWAPD_ADMIN_TOKEN"), "admin bearer token")
	root.PersistentFlags().StringVar(&opts.operator, "operator", envOr("SWAPD_OPERATOR", os.Getenv("USER")), "operator name recorded in the audit trail")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")
	root.PersistentFlags().BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")

	swaps := &cobra.Command{
		Use:   "swaps",
		Short: "Inspect and repair swaps",
	}
	swaps.AddCommand(listCmd(opts), showCmd(opts), historyCmd(opts), retryCmd(opts), resolveCmd(opts))
	root.AddCommand(swaps)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
