package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crabstack.local/projects/crab-orchestrator/internal/config"
	"crabstack.local/projects/crab-orchestrator/internal/protocol"
	"crabstack.local/projects/crab-orchestrator/internal/sandbox"
)

type sandboxFlags struct {
	gatewayURL  string
	sessionID   string
	projectRoot string
	identity    string
}

func newSandboxCmd() *cobra.Command {
	var flags sandboxFlags
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Attach a local project to a session and serve local tool calls",
		Long: "Connects to the orchestrator, executes approved local/* calls inside the project root " +
			"and reads console input from stdin. Lines are sent as text input; " +
			"/approve <id>, /approve! <id>, /reject <id>, /halt and /done are decisions and controls.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.SandboxFromYAMLAndEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if flags.gatewayURL != "" {
				cfg.GatewayURL = flags.gatewayURL
			}
			if flags.sessionID != "" {
				cfg.SessionID = flags.sessionID
			}
			if flags.projectRoot != "" {
				cfg.ProjectRoot = flags.projectRoot
			}
			if flags.identity != "" {
				cfg.Identity = flags.identity
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSandbox(ctx, cfg, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.gatewayURL, "gateway", "", "orchestrator websocket url")
	cmd.Flags().StringVar(&flags.sessionID, "session", "", "session id to attach to")
	cmd.Flags().StringVar(&flags.projectRoot, "root", "", "project root (absolute)")
	cmd.Flags().StringVar(&flags.identity, "identity", "", "identity used for policy lookup")
	return cmd
}

func runSandbox(ctx context.Context, cfg config.SandboxConfig, in io.Reader, out io.Writer) error {
	logger := newLogger()
	logger.SetPrefix("sandbox ")

	executor, err := sandbox.NewExecutor(logger, cfg.ProjectRoot)
	if err != nil {
		return err
	}
	client, err := sandbox.NewClient(logger, sandbox.Config{
		GatewayURL:  cfg.GatewayURL,
		SessionID:   cfg.SessionID,
		ProjectID:   cfg.ProjectID,
		Domain:      cfg.Domain,
		Identity:    cfg.Identity,
		ProjectRoot: executor.Root(),
	}, executor)
	if err != nil {
		return err
	}
	console := newConsole(out)
	client.OnMessage = console.render

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return client.Run(groupCtx)
	})
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			msg, err := console.parse(scanner.Text())
			if err != nil {
				console.printf("! %v\n", err)
				continue
			}
			if msg == nil {
				continue
			}
			if err := client.Send(groupCtx, msg); err != nil {
				console.printf("! send failed: %v\n", err)
			}
		}
	}()

	err = group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// console renders orchestrator frames and turns stdin lines into frames. It
// remembers which ids were announced as command proposals so a bare
// "/approve <id>" reaches the right approval surface.
type console struct {
	mu       sync.Mutex
	out      io.Writer
	commands map[string]struct{}
}

func newConsole(out io.Writer) *console {
	return &console{out: out, commands: make(map[string]struct{})}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// parse yields nil for blank lines.
func (c *console) parse(line string) (protocol.Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.TextInput{Text: line}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/halt":
		return protocol.Control{Action: protocol.ControlHaltOutput}, nil
	case "/done":
		return protocol.Control{Action: protocol.ControlOutputEnded}, nil
	case "/approve", "/approve!", "/reject":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: %s <id>", fields[0])
		}
		decision := protocol.Decision{ID: fields[1], Status: protocol.DecisionApproved}
		switch fields[0] {
		case "/approve!":
			decision.Confirmed = true
		case "/reject":
			decision.Status = protocol.DecisionRejected
		}
		c.mu.Lock()
		_, isCommand := c.commands[decision.ID]
		c.mu.Unlock()
		if isCommand {
			return protocol.CommandDecision{Decisions: []protocol.Decision{decision}}, nil
		}
		return protocol.ProposalDecision{Decisions: []protocol.Decision{decision}}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
}

func (c *console) render(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.out

	switch m := msg.(type) {
	case protocol.AgentResponse:
		fmt.Fprintf(out, "[turn %d] %s\n", m.TurnOrdinal, m.Text)
	case protocol.Proposal:
		fmt.Fprintf(out, "proposal %s: %s %s\n", m.ProposalID, m.Action, m.Target)
		if m.Description != "" {
			fmt.Fprintf(out, "  %s\n", m.Description)
		}
		if m.Diff != "" {
			fmt.Fprintln(out, m.Diff)
		}
	case protocol.CommandProposal:
		c.commands[m.CommandID] = struct{}{}
		fmt.Fprintf(out, "command %s [%s]: %s\n", m.CommandID, m.Risk, m.Command)
		if m.Risk == protocol.RiskHigh {
			fmt.Fprintf(out, "  high risk, approve with /approve! %s\n", m.CommandID)
		}
	case protocol.TurnStatus:
		fmt.Fprintf(out, "state=%s turn=%d\n", m.State, m.TurnOrdinal)
	case protocol.BackgroundJobStart:
		fmt.Fprintf(out, "job %s started tool=%s\n", m.JobID, m.ToolName)
	case protocol.BackgroundJobComplete:
		fmt.Fprintf(out, "job %s %s tool=%s\n", m.JobID, m.Status, m.ToolName)
	case protocol.LedgerUpdate:
		for _, node := range m.Nodes {
			fmt.Fprintf(out, "ledger %s [%s] %s\n", node.ID, node.Status, node.Title)
		}
	case protocol.LedgerClear:
		c.commands = make(map[string]struct{})
		fmt.Fprintln(out, "ledger cleared")
	case protocol.ErrorMessage:
		fmt.Fprintf(out, "error %s: %s\n", m.Code, m.Message)
	}
}
