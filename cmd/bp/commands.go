package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/badpractice-agent/internal/config"
	"github.com/rcourtman/badpractice-agent/internal/ledger"
	"github.com/rcourtman/badpractice-agent/internal/logging"
	"github.com/rcourtman/badpractice-agent/internal/models"
	"github.com/rcourtman/badpractice-agent/internal/report"
	"github.com/rcourtman/badpractice-agent/internal/watcher"
)

var (
	initEmail   string
	initNoScan  bool
	initNoWatch bool
	skipInitial bool
	scanPDF     string
	scanCSV     string
	statusLines int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the agent configuration, audit the repository and start watching",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		email := strings.TrimSpace(initEmail)
		if email == "" {
			email, err = prompt(cmd.InOrStdin(), out, "Enter your email for alerts: ")
			if err != nil {
				return err
			}
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("invalid email %q: %w", email, err)
		}
		cfg.Email.To = []string{email}

		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", cfg.ConfigPath())
		if cfg.Email.SMTPHost == "" {
			fmt.Fprintln(out, "SMTP is not configured (set SMTP_HOST in bp_files/.env); reports will only be logged.")
		}

		if initNoScan {
			return nil
		}
		// Reload so the new recipient enables e-mail delivery.
		cfg, err = loadConfig(!initNoWatch)
		if err != nil {
			return err
		}
		if initNoWatch {
			return runScan(cmd.Context(), out, cfg)
		}
		fmt.Fprintf(out, "Monitoring %s (logs: %s)\n", cfg.Root, cfg.Log.File)
		return runWatch(cmd.Context(), cfg, false)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Audit the repository once, then report new findings as files change",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		return runWatch(cmd.Context(), cfg, skipInitial)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single full audit and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		return runScan(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent state, the last scan session and open issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), cmd.OutOrStdout(), cfg, statusLines)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		pid, err := stopAgent(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped agent (pid %d).\n", pid)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initEmail, "email", "", "address that receives reports (prompted when empty)")
	initCmd.Flags().BoolVar(&initNoScan, "no-scan", false, "only write the configuration")
	initCmd.Flags().BoolVar(&initNoWatch, "no-watch", false, "run the initial audit and exit")

	watchCmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "skip the full audit when the ledger was already seeded")

	scanCmd.Flags().StringVar(&scanPDF, "pdf", "", "also write the open issues as a PDF report to this path")
	scanCmd.Flags().StringVar(&scanCSV, "csv", "", "also write the open issues as CSV to this path")

	statusCmd.Flags().IntVarP(&statusLines, "lines", "n", 20, "log lines to show")
}

func prompt(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("an email address is required")
	}
	return line, nil
}

func runWatch(ctx context.Context, cfg *config.Config, skipInitial bool) error {
	defer logging.Shutdown()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pid, running := agentRunning(cfg); running {
		return fmt.Errorf("agent already running (pid %d); use `bp stop` first", pid)
	}

	ag, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer ag.Close()

	if err := writePID(cfg); err != nil {
		return err
	}
	defer removePID(cfg)

	if _, err := startMetricsServer(ctx, cfg.Metrics, ag.orch.Status); err != nil {
		log.Warn().Err(err).Msg("Metrics endpoint disabled")
	}

	w, err := watcher.New(watcher.Options{
		Root:         cfg.Root,
		Debounce:     cfg.Watcher.Debounce,
		Scope:        ag.scope,
		MaxFileBytes: cfg.Scope.MaxFileBytes,
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	runErr := make(chan error, 1)
	go func() { runErr <- ag.orch.Run(ctx, w.Events()) }()

	if skipInitial && previouslySeeded(ctx, ag.store) {
		log.Info().Msg("Ledger already seeded; skipping initial audit")
		ag.orch.MarkSeeded()
	} else if _, err := ag.orch.TriggerFull(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Initial audit failed")
	}

	log.Info().Str("root", cfg.Root).Dur("debounce", cfg.Watcher.Debounce).Msg("Watching for changes")
	<-ctx.Done()
	w.Stop()
	err = <-runErr
	log.Info().Msg("Agent stopped")
	return err
}

func previouslySeeded(ctx context.Context, store ledger.Store) bool {
	sl, ok := store.(ledger.SessionLog)
	if !ok {
		return false
	}
	last, err := sl.LastSession(ctx)
	return err == nil && last != nil
}

func runScan(ctx context.Context, out io.Writer, cfg *config.Config) error {
	ag, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer ag.Close()

	sess, err := ag.orch.TriggerFull(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Scanned %d file(s): %d new issue(s), %d resolved, %d skipped.\n",
		len(sess.Files), len(sess.NewFindings), sess.Resolved, sess.Skipped)

	if scanPDF == "" && scanCSV == "" {
		return nil
	}
	open, err := ag.store.ListOpen(ctx, "")
	if err != nil {
		return err
	}
	findings := make([]models.Finding, 0, len(open))
	for _, rec := range open {
		findings = append(findings, rec.Finding)
	}
	r := report.ComposeFull(findings, sess.Skipped)

	if scanPDF != "" {
		if err := writeReportFile(scanPDF, r, report.WritePDF); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", scanPDF)
	}
	if scanCSV != "" {
		if err := writeReportFile(scanCSV, r, report.WriteCSV); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote %s\n", scanCSV)
	}
	return nil
}

func writeReportFile(path string, r report.Report, write func(io.Writer, report.Report) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runStatus(ctx context.Context, out io.Writer, cfg *config.Config, lines int) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(out, "%s %s\n", cyan("Root:"), cfg.Root)
	if pid, running := agentRunning(cfg); running {
		fmt.Fprintf(out, "%s %s (pid %d)\n", cyan("Agent:"), green("running"), pid)
	} else {
		fmt.Fprintf(out, "%s %s\n", cyan("Agent:"), yellow("not running"))
	}

	store, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		fmt.Fprintf(out, "%s %s\n", cyan("Ledger:"), red(err.Error()))
		return nil
	}
	defer store.Close()

	open, err := store.CountOpen(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d\n", cyan("Open issues:"), open)

	if sl, ok := store.(ledger.SessionLog); ok {
		last, err := sl.LastSession(ctx)
		if err != nil {
			return err
		}
		if last == nil {
			fmt.Fprintf(out, "%s %s\n", cyan("Last session:"), gray("none"))
		} else {
			status := green(string(last.Status))
			if last.Status == models.SessionFailed {
				status = red(string(last.Status))
			}
			fmt.Fprintf(out, "%s %s %s, %d file(s), %d new, %d resolved, %s ago\n",
				cyan("Last session:"), last.Mode, status, len(last.Files), len(last.NewFindings), last.Resolved,
				time.Since(last.EndedAt).Round(time.Second))
			if last.Error != "" {
				fmt.Fprintf(out, "  %s\n", red(last.Error))
			}
		}
	}

	if lines <= 0 {
		return nil
	}
	tail, err := tailLines(cfg.Log.File, lines)
	if err != nil {
		return nil
	}
	fmt.Fprintf(out, "\n%s\n", gray("--- tail "+cfg.Log.File+" ---"))
	for _, l := range tail {
		fmt.Fprintln(out, l)
	}
	return nil
}

// tailLines returns up to n trailing lines of path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
