package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promohive/promohive/internal/agent"
	"github.com/promohive/promohive/internal/agents"
	"github.com/promohive/promohive/internal/runtime"
)

var agentUserID string

var agentCmd = &cobra.Command{
	Use:   "agent <name> <start|stop|status|interactive>",
	Short: "Control one agent",
	Long: "Control one of the marketing agents: " + strings.Join(agents.Known(), ", ") + ".\n\n" +
		"start runs the agent in the foreground until interrupted; stop and\n" +
		"status talk to an already-running process over the admin API;\n" +
		"interactive starts the agent and opens a REPL on its command queue.",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return usageErrorf("expected <name> <action>, got %d argument(s)", len(args))
		}
		return nil
	},
	RunE: runAgentCmd,
}

func init() {
	agentCmd.Flags().StringVarP(&agentUserID, "user", "u", "", "User id recorded on manual restarts")
	rootCmd.AddCommand(agentCmd)
}

func runAgentCmd(cmd *cobra.Command, args []string) error {
	name, action := args[0], args[1]
	if !agents.IsKnown(name) {
		return usageErrorf("unknown agent %q (valid: %s)", name, strings.Join(agents.Known(), ", "))
	}

	switch action {
	case "start":
		return agentStart(name, false)
	case "interactive":
		return agentStart(name, true)
	case "stop":
		return agentStop(name)
	case "status":
		return agentStatus(name)
	default:
		return usageErrorf("unknown action %q (valid: start, stop, status, interactive)", action)
	}
}

// agentStart runs the agent in this process until SIGINT/SIGTERM. With
// a running process already bound to the admin port, it restarts the
// agent there instead.
func agentStart(name string, interactive bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !interactive {
		client := newAdminClient(cfg)
		if err := client.do(http.MethodPost, "/api/agents/"+name+"/start", nil); err == nil {
			fmt.Printf("✅ %s started in running process\n", name)
			return nil
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	rt.ConfigDir = flagConfigDir

	if interactive {
		return runInteractive(ctx, rt, name)
	}
	return rt.Run(ctx, name)
}

func agentStop(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newAdminClient(cfg)
	if err := client.do(http.MethodPost, "/api/agents/"+name+"/stop", nil); err != nil {
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	fmt.Printf("✅ %s stopped\n", name)
	return nil
}

func agentStatus(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newAdminClient(cfg)
	var status agent.Status
	if err := client.do(http.MethodGet, "/api/agents/"+name, &status); err != nil {
		fmt.Printf("Agent: %s\nRunning: false (no reachable process)\n", name)
		return nil
	}
	fmt.Printf("Agent: %s\n", status.Name)
	fmt.Printf("Running: %v\n", status.Running)
	fmt.Printf("Modules: %d (%d running)\n", status.Modules, status.ModulesRunning)
	if len(status.Subscriptions) > 0 {
		fmt.Printf("Subscriptions: %s\n", strings.Join(status.Subscriptions, ", "))
	}
	if !status.LastActivity.IsZero() {
		fmt.Printf("Last activity: %s\n", status.LastActivity.Format(time.RFC3339))
	}
	return nil
}

// runInteractive starts the agent plus its peers' vocabulary and reads
// stdin lines, each one sent as a cli_request through the bus.
func runInteractive(ctx context.Context, rt *runtime.Runtime, name string) error {
	if err := rt.StartAgent(ctx, name, agentUserID); err != nil {
		return err
	}
	defer rt.StopAgent(context.Background(), name)

	fmt.Printf("🤖 %s interactive mode (type 'exit' or Ctrl+C to quit)\n\n", name)

	scanner := bufio.NewScanner(os.Stdin)
	exitCommands := map[string]bool{
		"exit": true, "quit": true, "/exit": true, "/quit": true, ":q": true,
	}

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if exitCommands[strings.ToLower(line)] {
			break
		}

		reply, err := rt.Bus.Query(ctx, name, "cli_request", map[string]any{"line": line}, 10*time.Second)
		if err != nil {
			fmt.Printf("⚠️ %v\n", err)
			continue
		}
		pretty, _ := json.MarshalIndent(reply.Payload, "", "  ")
		fmt.Println(string(pretty))
	}
	return scanner.Err()
}
