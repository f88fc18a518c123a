package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/promohive/promohive/internal/dlq"
)

var dlqAgentFilter string

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and act on the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newAdminClient(cfg)
		var out struct {
			Entries []dlq.Entry `json:"entries"`
			Total   int         `json:"total"`
		}
		path := "/api/dlq"
		if dlqAgentFilter != "" {
			path += "?agent=" + dlqAgentFilter
		}
		if err := client.do(http.MethodGet, path, &out); err != nil {
			return fmt.Errorf("listing DLQ: %w", err)
		}
		if out.Total == 0 {
			fmt.Println("DLQ is empty")
			return nil
		}
		for _, e := range out.Entries {
			fmt.Printf("%s  agent=%s type=%s attempts=%d firstFailed=%s\n  %s: %s\n",
				e.Key, e.AgentID, e.Message.Type, e.Attempts,
				e.FirstFailedAt.Format(time.RFC3339), e.Error.Code, e.Error.Message)
		}
		fmt.Printf("Total: %d\n", out.Total)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <key>",
	Short: "Republish a dead-lettered message and drop it from the DLQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newAdminClient(cfg)
		if err := client.do(http.MethodPost, "/api/dlq/"+args[0]+"/retry", nil); err != nil {
			return fmt.Errorf("retrying %s: %w", args[0], err)
		}
		fmt.Printf("✅ Republished %s\n", args[0])
		return nil
	},
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a dead-lettered message without retrying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := newAdminClient(cfg)
		if err := client.do(http.MethodDelete, "/api/dlq/"+args[0], nil); err != nil {
			return fmt.Errorf("deleting %s: %w", args[0], err)
		}
		fmt.Printf("✅ Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqAgentFilter, "agent", "", "Only show entries for this agent")
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDeleteCmd)
	rootCmd.AddCommand(dlqCmd)
}
