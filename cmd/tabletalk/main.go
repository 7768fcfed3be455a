// tabletalk - terminal client for chatting about a CSV dataset
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/tabletalk/internal/agent"
	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/config"
	"github.com/ashureev/tabletalk/internal/domain"
)

const localUserID = "local"

type rootOptions struct {
	apiKey      string
	model       string
	temperature float64
	baseURL     string
	dataDir     string
	file        string
	verbose     bool

	// factory replaces the OpenAI client in tests.
	factory agent.ClientFactory
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&rootOptions{}).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "tabletalk",
		Short: "Chat with an LLM about a CSV dataset",
		Long: `tabletalk is a chat client for OpenAI models. Upload a CSV file and the
model answers questions about it with SQL tools over an in-session SQLite table.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd.ErrOrStderr(), opts.verbose)
			if err := godotenv.Load(); err == nil {
				slog.Debug("loaded .env")
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, nil)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiKey, "api-key", "", "OpenAI API key (default $OPENAI_API_KEY)")
	flags.StringVarP(&opts.model, "model", "m", "", "model name (default $DEFAULT_MODEL)")
	flags.Float64VarP(&opts.temperature, "temperature", "t", -1, "sampling temperature (default $TEMPERATURE)")
	flags.StringVar(&opts.baseURL, "base-url", "", "OpenAI-compatible API base URL")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for the session database (default a temp dir)")
	flags.StringVar(&opts.file, "csv", "", "CSV file to load before the first question")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, nil)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	})
	return root
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// localSession is a controller with one local session.
type localSession struct {
	cfg     *config.Config
	ctrl    *chat.Controller
	session *chat.Session
	creds   domain.Credentials
	cleanup func()
}

func newLocalSession(ctx context.Context, opts *rootOptions, streamDelay bool) (*localSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if opts.baseURL != "" {
		cfg.LLM.BaseURL = opts.baseURL
	}
	creds := domain.Credentials{
		APIKey:      strings.TrimSpace(opts.apiKey),
		Model:       cfg.LLM.DefaultModel,
		Temperature: cfg.LLM.Temperature,
	}
	if creds.APIKey == "" {
		creds.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if opts.model != "" {
		if !slices.Contains(cfg.LLM.Models, opts.model) {
			return nil, fmt.Errorf("unsupported model %q (available: %s)", opts.model, strings.Join(cfg.LLM.Models, ", "))
		}
		creds.Model = opts.model
	}
	if opts.temperature >= 0 {
		creds.Temperature = opts.temperature
	}

	dataDir := opts.dataDir
	removeDir := false
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "tabletalk-*")
		if err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		removeDir = true
	}

	factory := opts.factory
	if factory == nil {
		factory = agent.OpenAIFactory(cfg.LLM.BaseURL)
	}
	delay := cfg.Chat.StreamDelay
	if !streamDelay {
		delay = 0
	}
	ctrl, err := chat.NewController(chat.Options{
		DataDir:           dataDir,
		ClientFactory:     factory,
		DefaultModel:      cfg.LLM.DefaultModel,
		Temperature:       cfg.LLM.Temperature,
		MemoryWindow:      cfg.Chat.MemoryWindow,
		MaxIterations:     cfg.LLM.MaxIterations,
		QueryRowLimit:     cfg.Chat.QueryRowLimit,
		StreamDelay:       delay,
		ClearResetsMemory: cfg.Chat.ClearResetsMemory,
		Logger:            slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	session, err := ctrl.NewSession(localUserID, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	rt := &localSession{cfg: cfg, ctrl: ctrl, session: session, creds: creds}
	rt.cleanup = func() {
		if err := ctrl.Close(context.WithoutCancel(ctx), session); err != nil {
			slog.Warn("failed to close session", "error", err)
		}
		if removeDir {
			if err := os.RemoveAll(dataDir); err != nil {
				slog.Warn("failed to remove data dir", "dir", dataDir, "error", err)
			}
		}
	}

	if creds.APIKey != "" {
		if err := ctrl.SetCredentials(ctx, session, creds); err != nil {
			rt.cleanup()
			return nil, err
		}
	}
	if opts.file != "" {
		data, err := os.ReadFile(opts.file)
		if err != nil {
			rt.cleanup()
			return nil, fmt.Errorf("read %s: %w", opts.file, err)
		}
		if _, err := ctrl.UploadDataset(ctx, session, chat.NewUpload(filepath.Base(opts.file), data)); err != nil {
			rt.cleanup()
			return nil, err
		}
	}
	return rt, nil
}

func runChat(ctx context.Context, opts *rootOptions, editor lineEditor) error {
	rt, err := newLocalSession(ctx, opts, true)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	if editor == nil {
		home, _ := os.UserHomeDir()
		editor = newLineEditor(lineEditorConfig{
			HistoryFile: filepath.Join(home, ".tabletalk", "history"),
			Commands:    consoleCommands,
		})
	}
	defer func() {
		if closeErr := editor.Close(); closeErr != nil {
			slog.Debug("failed to close line editor", "error", closeErr)
		}
	}()

	return newConsole(rt.ctrl, rt.session, editor, rt.cfg.LLM.Models, rt.creds).Run(ctx)
}

func runAsk(ctx context.Context, opts *rootOptions, question string, out io.Writer) error {
	rt, err := newLocalSession(ctx, opts, false)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	reply, err := rt.ctrl.Send(ctx, rt.session, question)
	if errors.Is(err, chat.ErrMissingCredential) {
		return errors.New("an API key is required: pass --api-key or set OPENAI_API_KEY")
	}
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, reply.Turn.Content); err != nil {
		return err
	}
	return reply.Err
}
