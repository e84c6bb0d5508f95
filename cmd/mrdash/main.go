package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/sugos/mrdash/internal/audit"
	"github.com/sugos/mrdash/internal/clinical"
	"github.com/sugos/mrdash/internal/dashboard"
	"github.com/sugos/mrdash/internal/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mrdash",
		Short:         "Clinical records retrieval and narrative dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(environmentsCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	ctx := context.Background()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config
	logger := app.Logger

	handler := dashboard.NewHandler(app.Session, dashboard.Config{
		RequestTimeout:   cfg.Clinic.AuthTimeout + cfg.Clinic.FetchTimeout + 30*time.Second,
		SummarizeTimeout: cfg.AI.Timeout + 30*time.Second,
	}, logger)
	router := dashboard.NewRouter(cfg, handler, app.Checks, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AI.Timeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info().Msg("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	logger.Info().
		Str("env", cfg.Server.Env).
		Int("port", cfg.Server.Port).
		Int("environments", len(cfg.Environments)).
		Bool("summarization", cfg.AI.Verified()).
		Bool("operator_auth", cfg.Auth.Enabled).
		Str("audit_sink", cfg.Audit.Sink).
		Msg("mrdash listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info().Msg("server stopped")
	return nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Retrieve a patient's records once and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Flags().GetString("env")
			patient, _ := cmd.Flags().GetString("patient")
			user, _ := cmd.Flags().GetString("user")
			password, _ := cmd.Flags().GetString("password")
			summarize, _ := cmd.Flags().GetBool("summarize")
			model, _ := cmd.Flags().GetString("model")

			if patient == "" {
				return fmt.Errorf("--patient is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			return runOnce(ctx, app.Session, cmd.OutOrStdout(), cmd.ErrOrStderr(), runOptions{
				Environment: env,
				Username:    user,
				Password:    password,
				PatientID:   patient,
				Summarize:   summarize,
				Model:       model,
			})
		},
	}

	cmd.Flags().String("env", "", "environment key or display name (default: first configured)")
	cmd.Flags().String("patient", "", "patient identifier")
	cmd.Flags().String("user", "", "clinic API username (default: from secrets file)")
	cmd.Flags().String("password", "", "clinic API password (default: from secrets file)")
	cmd.Flags().Bool("summarize", false, "generate the clinical narrative after retrieval")
	cmd.Flags().String("model", "", "model for the narrative (default: first configured)")

	return cmd
}

type runOptions struct {
	Environment string
	Username    string
	Password    string
	PatientID   string
	Summarize   bool
	Model       string
}

// runOnce drives one retrieval, and optionally one summarization, through
// the session. The combined document goes to out, then the narrative;
// notices go to errOut.
func runOnce(ctx context.Context, sess *session.Session, out, errOut io.Writer, opts runOptions) error {
	actor := "cli"
	if u := os.Getenv("USER"); u != "" {
		actor = "cli:" + u
	}

	if opts.Environment != "" {
		if err := sess.SelectEnvironment(ctx, opts.Environment, actor); err != nil {
			return err
		}
	}

	err := sess.Retrieve(ctx, session.RetrieveRequest{
		Username:  opts.Username,
		Password:  opts.Password,
		PatientID: opts.PatientID,
		Actor:     actor,
	})
	printNotices(errOut, sess.Snapshot())
	if err != nil {
		return errors.New(session.Describe(err))
	}

	snap := sess.Snapshot()
	document, err := clinical.Serialize(*snap.Document)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, document)

	if !opts.Summarize {
		return nil
	}

	err = sess.Summarize(ctx, session.SummarizeRequest{Model: opts.Model, Actor: actor})
	printNotices(errOut, sess.Snapshot())
	if err != nil {
		return errors.New(session.Describe(err))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, sess.Snapshot().Narrative)
	return nil
}

func printNotices(w io.Writer, snap session.Snapshot) {
	for _, notice := range snap.Notices {
		fmt.Fprintf(w, "[%s] %s\n", notice.Level, notice.Message)
	}
}

func environmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "environments",
		Short: "List configured clinic environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, env := range cfg.Environments {
				marker := " "
				if i == 0 {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-16s %-32s %s\n", marker, env.Key, env.DisplayName, env.APIBaseURL)
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx := context.Background()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			reader, ok := app.Sink.(audit.Reader)
			if !ok {
				return errNotReadable
			}

			entries, err := reader.Entries(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to read audit trail: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(entries); err != nil {
					return err
				}
			}

			if err := audit.VerifyChain(entries); err != nil {
				return fmt.Errorf("audit trail is corrupted: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d audit entries verified\n", len(entries))
			return nil
		},
	}
	verifyCmd.Flags().Int("limit", 0, "verify only the oldest N entries (0 = all)")
	verifyCmd.Flags().Bool("json", false, "print the entries as JSON")

	cmd.AddCommand(verifyCmd)
	return cmd
}
