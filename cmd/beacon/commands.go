package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	domain "github.com/coachpo/beacon/internal/domain/analytics"
)

var (
	recordMessage  string
	recordSeverity string
	recordType     string
	recordURL      string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Queue a single message event",
	Long: `Queue a message event. Without --url it is a diagnostic event sent to
the SDK logs endpoint; with --url it goes to that analytics endpoint and
needs a client token.

Examples:
  beacon record --message "checkout opened"
  beacon record --message "card declined" --severity error --type ERROR`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		if strings.TrimSpace(recordMessage) == "" {
			return fmt.Errorf("--message is required")
		}
		a, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = closeAgent(cmd.Context(), a, err) }()

		evt := domain.Message(recordMessage,
			domain.MessageType(strings.ToUpper(strings.TrimSpace(recordType))),
			domain.ParseSeverity(recordSeverity),
			domain.WithAnalyticsURL(strings.TrimSpace(recordURL)))
		if err := a.service.Record(cmd.Context(), evt); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", evt.LocalID)
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every queued event now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		a, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = closeAgent(cmd.Context(), a, err) }()

		if err := a.service.Flush(cmd.Context()); err != nil {
			return err
		}
		pending, err := a.service.Pending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "flushed, %d events still pending\n", pending)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print the number of queued events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		a, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = closeAgent(cmd.Context(), a, err) }()

		pending, err := a.service.Pending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", pending)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		a, err := loadAgent(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = closeAgent(cmd.Context(), a, err) }()

		a.service.Clear(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "queue cleared")
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordMessage, "message", "", "Message text")
	recordCmd.Flags().StringVar(&recordSeverity, "severity", "info", "Severity: debug, info, warning, error")
	recordCmd.Flags().StringVar(&recordType, "type", string(domain.MessageTypeInfo), "Message type")
	recordCmd.Flags().StringVar(&recordURL, "url", "", "Analytics endpoint; empty for a diagnostic event")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(clearCmd)
}
