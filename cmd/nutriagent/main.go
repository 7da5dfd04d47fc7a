package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nutriagent"
	"nutriagent/analytics"
	"nutriagent/app"
	"nutriagent/insight"
)

var (
	userFlag         string
	conversationFlag string
	messageFlag      string
	portionFlag      string
	dumpFlag         bool
	logIterations    bool
)

var rootCmd = &cobra.Command{
	Use:   "nutriagent",
	Short: "nutriagent - conversational nutrition logging",
	PersistentPreRun: func(*cobra.Command, []string) {
		// A missing .env is fine; the environment may already be set.
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("SETUP: Failed to load .env", "error", err)
		}
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant, one message with -m or a REPL on stdin",
	RunE:  runChat,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <food>...",
	Short: "Resolve foods to nutrition without logging them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResolve,
}

var reportCmd = &cobra.Command{
	Use:       "report <summary|patterns|audit>",
	Short:     "Print an insight report for the user",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"summary", "patterns", "audit"},
	RunE:      runReport,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "default", "user id")
	rootCmd.PersistentFlags().BoolVar(&dumpFlag, "dump", false, "dump loaded config and results")
	chatCmd.Flags().StringVarP(&conversationFlag, "conversation", "c", "cli", "conversation id")
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "single message (non-interactive)")
	chatCmd.Flags().BoolVar(&logIterations, "log-iterations", false, "write every model round trip to ./logs")
	resolveCmd.Flags().StringVarP(&portionFlag, "portion", "p", "", "portion applied to every food")

	rootCmd.AddCommand(chatCmd, resolveCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config, starts telemetry and builds the engine. The returned
// cleanup must always be called.
func setup(ctx context.Context, logger nutriagent.CoordinationLogger) (*app.App, func(), error) {
	cfg, err := nutriagent.LoadConfig()
	if err != nil {
		return nil, func() {}, err
	}
	if dumpFlag {
		nutriagent.Dump(cfg)
	}

	otelShutdown, err := nutriagent.InitOtel(ctx)
	if err != nil {
		return nil, func() {}, fmt.Errorf("initialize OpenTelemetry: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, func() {}, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			slog.Error("SETUP: Failed to close store", "error", err)
		}
		if err := otelShutdown(ctx); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := analytics.ContextWithUser(cmd.Context(), userFlag)

	var logger nutriagent.CoordinationLogger = nutriagent.NewNoOpCoordinationLogger()
	if logIterations {
		fileLogger, cleanup, err := newCoordinationLogger(os.Getenv("MODEL_ID"))
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				slog.Error("Failed to flush coordination log", "error", err)
			}
		}()
		logger = fileLogger
	}

	a, cleanup, err := setup(ctx, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if messageFlag != "" {
		return say(ctx, a, out, messageFlag)
	}

	fmt.Fprintln(out, "nutriagent ready. Type 'exit' to quit.")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := say(ctx, a, out, line); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
	}
}

func say(ctx context.Context, a *app.App, out io.Writer, message string) error {
	reply, err := a.Coordinator.Run(ctx, conversationFlag, message)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, reply)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := analytics.ContextWithUser(cmd.Context(), userFlag)
	a, cleanup, err := setup(ctx, nil)
	defer cleanup()
	if err != nil {
		return err
	}

	portions := make([]string, len(args))
	for i := range portions {
		portions[i] = portionFlag
	}
	items := a.Resolver.Resolve(ctx, args, portions)
	if dumpFlag {
		nutriagent.Dump(items)
	}
	return printJSON(cmd.OutOrStdout(), items)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := analytics.ContextWithUser(cmd.Context(), userFlag)
	a, cleanup, err := setup(ctx, nil)
	defer cleanup()
	if err != nil {
		return err
	}

	var report insight.Digester
	switch args[0] {
	case "summary":
		report, err = a.Insights.Summary(ctx, userFlag)
	case "patterns":
		report, err = a.Insights.Patterns(ctx, userFlag)
	default:
		report, err = a.Insights.Audit(ctx, userFlag)
	}
	if err != nil {
		return err
	}
	if dumpFlag {
		nutriagent.Dump(report)
	}

	out := cmd.OutOrStdout()
	if text, ok := a.Narrator.Narrate(ctx, report); ok {
		fmt.Fprintln(out, text)
		return nil
	}
	return printJSON(out, report.Digest())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCoordinationLogger(modelID string) (nutriagent.CoordinationLogger, func() error, error) {
	if err := os.MkdirAll("./logs", 0o755); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile(nutriagent.NewCoordinationLogFilePath(modelID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open coordination log: %w", err)
	}
	logger := nutriagent.NewFileCoordinationLogger(logFile)
	return logger, func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}, nil
}
