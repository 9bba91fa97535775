// Package main provides the planmesh binary: a small operational CLI around
// the plan execution engine. It wires a completion provider, a state store
// and a set of demo capabilities from configuration, runs tasks through the
// engine and walks the user through approval suspensions interactively.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/hupe1980/planmesh"
	"github.com/hupe1980/planmesh/capability"
	"github.com/hupe1980/planmesh/config"
	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/model"
	"github.com/hupe1980/planmesh/model/anthropic"
	"github.com/hupe1980/planmesh/model/openai"
	"github.com/hupe1980/planmesh/state/sqlite"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "planmesh",
		Short: "Plan orchestration and execution-recovery engine",
		Long: `Planmesh classifies a task against registered capabilities, plans a
step DAG, executes it with retry/replan recovery and suspends on steps
that need human approval.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(taskCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the planmesh version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default planmesh.yaml to the working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(config.DefaultConfigFile); err == nil {
				return fmt.Errorf("%s already exists", config.DefaultConfigFile)
			}
			if err := config.Default().SaveToFile(config.DefaultConfigFile); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", config.DefaultConfigFile)
			return nil
		},
	})
	return cmd
}

func taskCmd() *cobra.Command {
	var (
		sessionID string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "task [objective]",
		Short: "Run a task through the engine with the demo capability set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := logging.NewLogger(&logging.LoggerConfig{
				Level:     logging.ParseLogLevel(cfg.Logging.Level),
				Format:    cfg.Logging.Format,
				Output:    os.Stderr,
				Component: "cli",
			})

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
				go func() {
					if err := http.ListenAndServe(cfg.Metrics.Addr, m.Handler()); err != nil {
						logger.Warn("metrics server stopped", "error", err.Error())
					}
				}()
			}

			completion, err := buildCompletion(cfg)
			if err != nil {
				return err
			}

			var store core.StateStore
			if cfg.Store.Driver == "sqlite" {
				s, serr := sqlite.Open(cfg.Store.Path)
				if serr != nil {
					return serr
				}
				defer s.Close()
				store = s
			}

			mesh, err := planmesh.New(completion, func(o *planmesh.Options) {
				o.MaxReclassifications = cfg.Engine.MaxReclassifications
				o.KeepSucceededContext = cfg.Engine.KeepSucceededContext
				o.Logger = logger
				o.Metrics = m
				o.StateStore = store
			})
			if err != nil {
				return err
			}
			registerDemoCapabilities(mesh)

			ctx := cmd.Context()
			out, err := mesh.ProcessTask(ctx, sessionID, core.Task{Objective: args[0]})
			if err != nil {
				return err
			}

			// Walk approval suspensions interactively until the turn ends.
			for out.Status == core.OutcomeSuspended {
				decision, derr := promptDecision(out.Approval)
				if derr != nil {
					return derr
				}
				out, err = mesh.Decide(ctx, out.Approval.Token, decision)
				if err != nil {
					return err
				}
			}

			return printOutcome(out, jsonOut)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "default", "session id for state persistence")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full outcome as JSON")
	return cmd
}

func buildCompletion(cfg *config.Config) (model.CompletionService, error) {
	switch cfg.Model.Provider {
	case "openai":
		return openai.New(func(o *openai.Options) {
			if cfg.Model.Name != "" {
				o.Model = cfg.Model.Name
			}
			o.Temperature = cfg.Model.Temperature
		}), nil
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Model.Name)
			}
			o.Temperature = cfg.Model.Temperature
		}), nil
	case "mock":
		// Scripted provider for offline smoke tests: one lookup step.
		return model.NewMockCompletion(
			`{"capabilities": ["current_time"]}`,
			`{"steps": [{"id": "s1", "capability": "current_time"}]}`,
		), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

func promptDecision(req *core.ApprovalRequest) (core.Decision, error) {
	fmt.Printf("\nApproval required for step %s (%s)\n", req.StepID, req.Capability)
	if req.Rationale != "" {
		fmt.Printf("  rationale: %s\n", req.Rationale)
	}
	if len(req.Params) > 0 {
		params, _ := json.Marshal(req.Params)
		fmt.Printf("  params: %s\n", params)
	}
	fmt.Print("Approve? [y/N/reason]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return core.Decision{}, err
	}
	answer := strings.TrimSpace(line)

	switch strings.ToLower(answer) {
	case "y", "yes":
		return core.Decision{Kind: core.DecisionApprove}, nil
	case "", "n", "no":
		return core.Decision{Kind: core.DecisionReject, Reason: "rejected at the terminal"}, nil
	default:
		return core.Decision{Kind: core.DecisionReject, Reason: answer}, nil
	}
}

func printOutcome(out *core.Outcome, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("[%s] %s\n", out.Status, out.Response)
	return nil
}

// registerDemoCapabilities installs a small capability set so the binary is
// usable out of the box: a clock, a session notebook and a gated reminder
// sender.
func registerDemoCapabilities(mesh *planmesh.PlanMesh) {
	clock := capability.New(core.CapabilityDescriptor{
		Name:        "current_time",
		Description: "Returns the current date and time",
		Provides:    []string{"time"},
	}, func(_ context.Context, _ map[string]any, view *core.ContextView) error {
		now := time.Now()
		return view.Put("time", "now", map[string]any{
			"iso":     now.Format(time.RFC3339),
			"weekday": now.Weekday().String(),
		})
	})

	note := capability.New(core.CapabilityDescriptor{
		Name:        "take_note",
		Description: "Stores a short note in the session context",
		Provides:    []string{"note"},
		Retry:       core.RetryPolicy{MaxAttempts: 2, Backoff: 100 * time.Millisecond},
	}, func(_ context.Context, params map[string]any, view *core.ContextView) error {
		text, _ := params["text"].(string)
		if text == "" {
			return core.Reclassification("take_note requires a text parameter")
		}
		return view.Put("note", core.NewID(), map[string]any{"text": text})
	}, func(o *capability.Options) {
		o.Params = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "note text"},
			},
			"required": []string{"text"},
		}
	})

	remind := capability.New(core.CapabilityDescriptor{
		Name:        "send_reminder",
		Description: "Sends a reminder to the user's devices",
		Approval:    core.ApprovalAlways,
	}, func(_ context.Context, params map[string]any, _ *core.ContextView) error {
		message, _ := params["message"].(string)
		fmt.Printf("reminder sent: %s\n", message)
		return nil
	})

	mesh.MustRegisterCapabilities(clock, note, remind)
}
