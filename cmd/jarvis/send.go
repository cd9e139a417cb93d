package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"jarvis/internal/core"
	"jarvis/internal/eventbus"
	"jarvis/internal/workflow"
)

const cliIdentity = "jarvis-cli"

var (
	params      []string
	sendTimeout time.Duration
	local       bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <workflow>",
	Short: "Ask the orchestrator to run a workflow",
	Long: `Send a task request naming a workflow to the orchestrator, which sends
each step to its agent. With --local the steps are sent from here instead.

Workflows: ` + strings.Join(sortedWorkflows(), ", "),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseParams(params)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, sendTimeout)
		defer cancelTimeout()

		conn, err := dialSender(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		if !local {
			task := core.NewTask(core.TaskType(args[0]), p)
			if err := sendTask(ctx, conn, cfg.Orchestrator.Identity, task); err != nil {
				return err
			}
			printSent(cfg.Orchestrator.Identity, task)
			return nil
		}
		h, err := workflow.NewDispatcher(connSender{conn}, nil, logger).Dispatch(ctx, args[0], p)
		printHandle(h)
		return err
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <identity> <task-type>",
	Short: "Send one task request directly to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parseParams(params)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, sendTimeout)
		defer cancelTimeout()

		conn, err := dialSender(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		task := core.NewTask(core.TaskType(args[1]), p)
		if err := sendTask(ctx, conn, args[0], task); err != nil {
			return err
		}
		printSent(args[0], task)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{dispatchCmd, sendCmd} {
		c.Flags().StringArrayVarP(&params, "param", "p", nil, "task parameter key=value; JSON values are decoded")
		c.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "broker connect and send timeout")
	}
	dispatchCmd.Flags().BoolVar(&local, "local", false, "send the workflow steps from this process")
}

// dialSender opens a connector that declares no queue of its own.
func dialSender(ctx context.Context) (eventbus.Connector, error) {
	return eventbus.Dial(ctx, cfg.Broker.URL, cliIdentity,
		eventbus.WithoutQueue(),
		eventbus.WithExchange(cfg.Broker.Exchange),
		eventbus.WithLogger(logger))
}

func sendTask(ctx context.Context, conn eventbus.Connector, to string, task core.Task) error {
	return connSender{conn}.SendDirect(ctx, to, core.KindTaskRequest, task)
}

// connSender stamps direct messages sent straight through a connector.
type connSender struct{ conn eventbus.Connector }

func (s connSender) SendDirect(ctx context.Context, to string, kind core.MessageKind, payload map[string]any) error {
	return s.conn.SendDirect(ctx, core.DirectMessage{
		ID:        uuid.NewString(),
		Kind:      kind,
		From:      cliIdentity,
		To:        to,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

// parseParams turns key=value pairs into task parameters. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func sortedWorkflows() []string {
	names := workflow.DefaultCatalog().Names()
	sort.Strings(names)
	return names
}

func printSent(to string, task core.Task) {
	green := color.New(color.FgGreen)
	green.Print("sent ")
	fmt.Printf("%s → %s\n", task.Type(), color.CyanString(to))
}

func printHandle(h workflow.Handle) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	gray := color.New(color.FgHiBlack)

	if h.Status == core.TaskError {
		red.Printf("%s %s\n", h.Status, h.Name)
	} else {
		green.Printf("%s %s\n", h.Status, h.Name)
	}
	gray.Printf("  workflow_id %s\n", h.ID)
	for _, to := range h.Sent {
		fmt.Printf("  %s %s\n", green.Sprint("✓"), to)
	}
	for _, f := range h.Failures {
		fmt.Printf("  %s %s\n", red.Sprint("✗"), f)
	}
}
