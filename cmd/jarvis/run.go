package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"jarvis/internal/agent"
	"jarvis/internal/eventbus"
	"jarvis/internal/fleet"
	"jarvis/internal/memory"
	"jarvis/internal/orchestrator"
	"jarvis/internal/worker"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestrator until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		orc := orchestrator.New(orchestrator.Config{
			Identity:         cfg.Orchestrator.Identity,
			Endpoint:         cfg.Broker.URL,
			Roster:           cfg.Orchestrator.Roster,
			HealthInterval:   cfg.Orchestrator.HealthInterval,
			SilenceThreshold: cfg.Orchestrator.SilenceThreshold,
		},
			orchestrator.WithLogger(logger),
			orchestrator.WithRuntimeOptions(agent.WithConnectorOptions(eventbus.WithExchange(cfg.Broker.Exchange))),
		)
		return orc.Run(ctx)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent <identity>",
	Short: "Run one domain agent until interrupted",
	Long:  "Run one domain agent. Known identities: " + strings.Join(worker.Identities(), ", "),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, ok := worker.Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown agent %q (known: %s)", args[0], strings.Join(worker.Identities(), ", "))
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var store memory.Store
		if cfg.Memory.URL != "" {
			s, err := memory.Open(ctx, cfg.Memory.URL, logger, memory.WithWorkingTTL(cfg.Memory.WorkingTTL))
			if err != nil {
				return err
			}
			defer s.Close()
			store = s
		}
		w := worker.New(spec, cfg.Broker.URL, store, logger,
			agent.WithConnectorOptions(eventbus.WithExchange(cfg.Broker.Exchange)))
		return w.Run(ctx)
	},
}

var fleetCmd = &cobra.Command{
	Use:   "fleet [identity...]",
	Short: "Run several domain agents in one process",
	Long:  "Run the named domain agents, or every known agent, in one process until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := args
		if len(ids) == 0 {
			ids = worker.Identities()
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var store memory.Store
		if cfg.Memory.URL != "" {
			s, err := memory.Open(ctx, cfg.Memory.URL, logger, memory.WithWorkingTTL(cfg.Memory.WorkingTTL))
			if err != nil {
				return err
			}
			defer s.Close()
			store = s
		}
		f := fleet.New(fleet.FactoryFunc(func(identity string) (fleet.Agent, error) {
			spec, ok := worker.Lookup(identity)
			if !ok {
				return nil, fmt.Errorf("unknown agent %q", identity)
			}
			return worker.New(spec, cfg.Broker.URL, store, logger,
				agent.WithConnectorOptions(eventbus.WithExchange(cfg.Broker.Exchange))), nil
		}), logger)
		for _, id := range ids {
			if err := f.Spawn(ctx, id); err != nil {
				stop()
				return errors.Join(err, f.Wait())
			}
		}
		return f.Wait()
	},
}

// signalContext is used by one-shot commands that should still honour Ctrl-C.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
