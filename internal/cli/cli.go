package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/config"
	xhttp "github.com/lintsinghua/XCodeReviewer-sub001/internal/http"
	"github.com/lintsinghua/XCodeReviewer-sub001/internal/log"
	"github.com/lintsinghua/XCodeReviewer-sub001/internal/scan"
	internal_storage "github.com/lintsinghua/XCodeReviewer-sub001/internal/storage"
	"github.com/lintsinghua/XCodeReviewer-sub001/internal/workspace"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/service"
)

// SetupCLI attaches the xaudit commands to the root command. The serve
// command runs the engine; the remaining commands are thin API clients
// because cancellation and live state live inside the serving process.
func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the audit server",
		Run: func(cmd *cobra.Command, args []string) {
			runServer()
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an audit task",
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustAddr(cmd)
			repo, _ := cmd.Flags().GetString("repo")
			archive, _ := cmd.Flags().GetString("archive")
			branch, _ := cmd.Flags().GetString("branch")
			scope, _ := cmd.Flags().GetStringSlice("scope")
			level, _ := cmd.Flags().GetString("level")
			iterations, _ := cmd.Flags().GetInt("max-iterations")
			timeoutSec, _ := cmd.Flags().GetInt("timeout-sec")

			req := service.SubmitRequest{
				Config: models.TaskConfig{
					VulnScope:         scope,
					VerificationLevel: models.VerificationLevel(level),
					MaxIterations:     iterations,
					TimeoutSeconds:    timeoutSec,
				},
			}
			if archive != "" {
				req.Project = models.ProjectRef{Kind: models.ArchiveProject, ArchivePath: archive}
			} else {
				req.Project = models.ProjectRef{Kind: models.RepositoryProject, RepoURL: repo, Branch: branch}
			}
			var resp map[string]string
			postJSON(addr+"/api/v1/audits", req, &resp)
			fmt.Fprintf(os.Stdout, "Submitted audit task %s\n", resp["id"])
		},
	}
	submitCmd.Flags().String("repo", "", "Repository URL to audit")
	submitCmd.Flags().String("archive", "", "Local archive path to audit")
	submitCmd.Flags().String("branch", "", "Preferred branch")
	submitCmd.Flags().StringSlice("scope", nil, "Vulnerability scope, e.g. injection,xss")
	submitCmd.Flags().String("level", "", "Verification level")
	submitCmd.Flags().Int("max-iterations", 0, "Analysis iteration budget")
	submitCmd.Flags().Int("timeout-sec", 0, "Wall clock timeout in seconds")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all audit tasks",
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustAddr(cmd)
			var tasks []models.AuditTask
			getJSON(addr+"/api/v1/audits", &tasks)
			if len(tasks) == 0 {
				fmt.Fprintf(os.Stdout, "No audit tasks found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Audit tasks:\n")
			for _, t := range tasks {
				fmt.Fprintf(os.Stdout, "- ID: %s, Status: %s, Phase: %s, Risk: %d, Created: %s\n",
					t.ID, t.Status, t.Phase, t.RiskScore, t.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show one audit task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustAddr(cmd)
			var t models.AuditTask
			getJSON(addr+"/api/v1/audits/"+args[0], &t)
			fmt.Fprintf(os.Stdout, "ID: %s\nStatus: %s\nPhase: %s\nRisk score: %d\n", t.ID, t.Status, t.Phase, t.RiskScore)
			fmt.Fprintf(os.Stdout, "Progress: %d files, %d iterations, %d tool calls, %d tokens\n",
				t.Progress.FilesScanned, t.Progress.Iterations, t.Progress.ToolCalls, t.Progress.TokensUsed)
			if t.ErrorMsg != "" {
				fmt.Fprintf(os.Stdout, "Error: %s\n", t.ErrorMsg)
			}
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Request cancellation of an audit task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustAddr(cmd)
			var resp map[string]string
			postJSON(addr+"/api/v1/audits/"+args[0]+"/cancel", nil, &resp)
			fmt.Fprintf(os.Stdout, "Cancellation requested for audit %s\n", args[0])
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events [id]",
		Short: "Show the event history of an audit task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustAddr(cmd)
			afterSeq, _ := cmd.Flags().GetInt64("after-seq")
			limit, _ := cmd.Flags().GetInt("limit")
			var events []models.AuditEvent
			getJSON(fmt.Sprintf("%s/api/v1/audits/%s/events?after_seq=%s&limit=%s",
				addr, args[0], strconv.FormatInt(afterSeq, 10), strconv.Itoa(limit)), &events)
			for _, e := range events {
				fmt.Fprintf(os.Stdout, "[%d] %s %s: %s\n", e.Seq, e.Phase, e.Kind, e.Message)
			}
		},
	}
	eventsCmd.Flags().Int64("after-seq", 0, "Replay events after this sequence")
	eventsCmd.Flags().Int("limit", 100, "Page size")

	findingsCmd := &cobra.Command{
		Use:   "findings [id]",
		Short: "Show the findings of an audit task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := mustAddr(cmd)
			var findings []models.Finding
			getJSON(addr+"/api/v1/audits/"+args[0]+"/findings", &findings)
			if len(findings) == 0 {
				fmt.Fprintf(os.Stdout, "No findings.\n")
				return
			}
			for _, f := range findings {
				fmt.Fprintf(os.Stdout, "- [%s] %s at %s:%d (%s, confidence %.2f)\n",
					f.Severity, f.Category, f.File, f.Line, f.Status, f.Confidence)
			}
		},
	}

	rootCmd.PersistentFlags().String("addr", "http://localhost:8080", "Audit server address")
	rootCmd.AddCommand(serveCmd, submitCmd, listCmd, statusCmd, cancelCmd, eventsCmd, findingsCmd)
}

func runServer() {
	logger := log.GetLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		logger.Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Routing uses the deterministic fallback until a model client is
	// configured, so Router stays nil here.
	svc := service.NewAuditService(ctx, store, logger, service.Options{
		Workspaces: workspace.NewLocalProvider(cfg.WorkspaceDir, cfg.AcquireAttemptTimeout(), logger),
		Defaults: service.Defaults{
			MaxIterations: cfg.DefaultMaxIterations,
			Timeout:       time.Duration(cfg.DefaultTimeoutSec) * time.Second,
		},
		MaxConcurrent:     int64(cfg.MaxConcurrentAudits),
		ForcedCancelGrace: cfg.ForcedCancelGrace(),
		PollInterval:      cfg.StreamPollInterval(),
		IdleTimeout:       cfg.StreamIdleTimeout(),
	})

	factory, err := scan.NewFactory(svc.Pipeline(), int64(cfg.MaxToolConcurrency))
	if err != nil {
		logger.Errorf("Failed to build scan workers: %v", err)
		os.Exit(1)
	}
	svc.SetFactory(factory)

	server := xhttp.NewServer(strconv.Itoa(cfg.Port), svc)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		logger.Errorf("Server stopped: %v", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown failed: %v", err)
	}
}

func mustAddr(cmd *cobra.Command) string {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil || addr == "" {
		fmt.Fprintln(os.Stderr, "Error: --addr is required")
		os.Exit(1)
	}
	return addr
}

func getJSON(url string, dest interface{}) {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	decodeResponse(resp, dest)
}

func postJSON(url string, body interface{}, dest interface{}) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fmt.Fprintf(os.Stderr, "Error: encode request: %v\n", err)
			os.Exit(1)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	decodeResponse(resp, dest)
}

func decodeResponse(resp *http.Response, dest interface{}) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: read response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		var apiErr map[string]string
		if json.Unmarshal(raw, &apiErr) == nil && apiErr["error"] != "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr["error"])
		} else {
			fmt.Fprintf(os.Stderr, "Error: server returned %s\n", resp.Status)
		}
		os.Exit(1)
	}
	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decode response: %v\n", err)
			os.Exit(1)
		}
	}
}
