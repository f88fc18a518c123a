package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/promohive/promohive/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show platform status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("🐝 promohive status")
	fmt.Println()
	fmt.Printf("Env: %s\n", cfg.Env)
	fmt.Printf("Storage: %s\n", cfg.Storage.Backend)
	fmt.Printf("Admin API: http://127.0.0.1:%d\n", cfg.External.AdminPort)

	client := newAdminClient(cfg)
	var out struct {
		Status string        `json:"status"`
		Uptime int           `json:"uptime"`
		Report health.Report `json:"report"`
	}
	if err := client.do(http.MethodGet, "/health", &out); err != nil {
		fmt.Println("\nRuntime: not reachable (is an agent running?)")
		return nil
	}

	fmt.Printf("\nRuntime: %s (up %s)\n", out.Status, (time.Duration(out.Uptime) * time.Second).String())
	if len(out.Report.Agents) > 0 {
		fmt.Println("\nAgents:")
		for _, a := range out.Report.Agents {
			mark := "✗"
			if a.Running {
				mark = "✓"
			}
			fmt.Printf("  %s %s (modules %d/%d)\n", mark, a.Name, a.ModulesRunning, a.Modules)
		}
	}
	if len(out.Report.Probes) > 0 {
		fmt.Println("\nProbes:")
		for name, status := range out.Report.Probes {
			fmt.Printf("  %s: %s\n", name, status)
		}
	}
	return nil
}
