// Package scan is the baseline worker set shipped with the server binary:
// deterministic signature matching over the acquired workspace. Embedders
// replace it with model-backed workers through the same factory interface.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/service"
)

// Factory builds the heuristic phase workers. All tool calls go through
// the runner so the pipeline carries the paired tool events.
type Factory struct {
	runner *service.ToolRunner
}

// NewFactory registers the scan tools and returns the factory. The runner
// enforces the per-phase tool concurrency limit.
func NewFactory(pipeline *service.Pipeline, maxToolConcurrency int64) (*Factory, error) {
	registry := service.NewToolRegistry()
	if err := registry.Register(ListFilesTool{}); err != nil {
		return nil, err
	}
	if err := registry.Register(PatternScanTool{}); err != nil {
		return nil, err
	}
	return &Factory{runner: service.NewToolRunner(registry, pipeline, maxToolConcurrency)}, nil
}

func (f *Factory) NewWorker(phase models.Phase) (service.Worker, error) {
	switch phase {
	case models.ReconnaissancePhase:
		return &reconWorker{runner: f.runner}, nil
	case models.AnalysisPhase:
		return &analysisWorker{runner: f.runner}, nil
	case models.VerificationPhase:
		return &verifyWorker{}, nil
	case models.ReportingPhase:
		return &reportWorker{}, nil
	}
	return nil, errors.Errorf("no worker for phase %q", phase)
}

func listFilesVia(ctx context.Context, runner *service.ToolRunner, in service.WorkerInput) ([]string, error) {
	input, err := json.Marshal(listFilesInput{
		Dir:     in.WorkspaceDir,
		Exclude: in.Task.Config.ExcludeFiles,
		Target:  in.Task.Config.TargetFiles,
	})
	if err != nil {
		return nil, err
	}
	raw, err := runner.Run(ctx, in.Task.ID, in.Phase, in.NodeID, "list_files", input)
	if err != nil {
		return nil, err
	}
	var out listFilesOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// reconWorker surveys the workspace: it counts the exposed surface and the
// files that warrant deeper analysis.
type reconWorker struct {
	runner *service.ToolRunner
}

func (w *reconWorker) Run(ctx context.Context, in service.WorkerInput) (service.WorkerResult, error) {
	files, err := listFilesVia(ctx, w.runner, in)
	if err != nil {
		return service.WorkerResult{}, err
	}

	entryPoints := 0
	riskAreas := 0
	var riskFiles []string
	for i, rel := range files {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return service.WorkerResult{}, err
			}
		}
		data, err := os.ReadFile(filepath.Join(in.WorkspaceDir, rel))
		if err != nil || len(data) > maxFileSizeBytes {
			continue
		}
		if entryPointHints.Match(data) {
			entryPoints++
		}
		if riskAreaHints.Match(data) {
			riskAreas++
			if len(riskFiles) < 20 {
				riskFiles = append(riskFiles, rel)
			}
		}
	}

	return service.WorkerResult{
		Artifacts: map[string]string{
			"recon.files":      fmt.Sprintf("%d", len(files)),
			"recon.risk_files": strings.Join(riskFiles, "\n"),
		},
		Success:      true,
		Iterations:   1,
		ToolCalls:    1,
		FilesScanned: len(files),
		EntryPoints:  entryPoints,
		RiskAreas:    riskAreas,
	}, nil
}

// analysisWorker runs the signature set of the requested scope across the
// workspace and reports candidate findings.
type analysisWorker struct {
	runner *service.ToolRunner
}

func (w *analysisWorker) Run(ctx context.Context, in service.WorkerInput) (service.WorkerResult, error) {
	files, err := listFilesVia(ctx, w.runner, in)
	if err != nil {
		return service.WorkerResult{}, err
	}
	input, err := json.Marshal(patternScanInput{
		Dir:   in.WorkspaceDir,
		Files: files,
		Scope: in.Task.Config.VulnScope,
	})
	if err != nil {
		return service.WorkerResult{}, err
	}
	raw, err := w.runner.Run(ctx, in.Task.ID, in.Phase, in.NodeID, "pattern_scan", input)
	if err != nil {
		return service.WorkerResult{}, err
	}
	var out patternScanOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return service.WorkerResult{}, err
	}

	// Findings already known from earlier entries are not re-reported.
	known := make(map[string]bool, len(in.Findings))
	for _, f := range in.Findings {
		known[f.Fingerprint] = true
	}
	fresh := out.Findings[:0]
	for _, f := range out.Findings {
		if !known[f.Fingerprint] {
			fresh = append(fresh, f)
		}
	}

	return service.WorkerResult{
		Findings:     fresh,
		Success:      true,
		Iterations:   1,
		ToolCalls:    2,
		FilesScanned: len(files),
	}, nil
}

// verifyWorker re-reads each new finding's location. A line that still
// matches its signature is promoted to verified; one that no longer
// matches is demoted to a false positive.
type verifyWorker struct{}

func (w *verifyWorker) Run(ctx context.Context, in service.WorkerInput) (service.WorkerResult, error) {
	var reviewed []models.Finding
	for i, f := range in.Findings {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return service.WorkerResult{}, err
			}
		}
		if f.Status != models.NewFinding {
			continue
		}
		if lineStillMatches(in.WorkspaceDir, f) {
			f.Status = models.VerifiedFinding
			f.Confidence = minFloat(f.Confidence+0.2, 0.95)
		} else {
			f.Status = models.FalsePositiveFinding
			f.Confidence = 0.1
		}
		reviewed = append(reviewed, f)
	}
	return service.WorkerResult{
		Findings:   reviewed,
		Success:    true,
		Iterations: 1,
	}, nil
}

func lineStillMatches(dir string, f models.Finding) bool {
	data, err := os.ReadFile(filepath.Join(dir, f.File))
	if err != nil {
		return false
	}
	lines := strings.Split(string(data), "\n")
	if f.Line < 1 || f.Line > len(lines) {
		return false
	}
	text := lines[f.Line-1]
	for _, p := range signatures[f.Category] {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// reportWorker condenses the audit into a markdown artifact.
type reportWorker struct{}

func (w *reportWorker) Run(ctx context.Context, in service.WorkerInput) (service.WorkerResult, error) {
	if err := ctx.Err(); err != nil {
		return service.WorkerResult{}, err
	}
	var b strings.Builder
	b.WriteString("# Audit report\n\n")
	fmt.Fprintf(&b, "Scope: %s\n\n", strings.Join(in.Task.Config.VulnScope, ", "))
	counts := map[models.Severity]int{}
	for _, f := range in.Findings {
		if f.Status == models.FalsePositiveFinding {
			continue
		}
		counts[f.Severity]++
	}
	fmt.Fprintf(&b, "Findings: %d critical, %d high, %d medium, %d low\n\n",
		counts[models.SeverityCritical], counts[models.SeverityHigh],
		counts[models.SeverityMedium], counts[models.SeverityLow])
	for _, f := range in.Findings {
		if f.Status == models.FalsePositiveFinding {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s at %s:%d (%s)\n", f.Severity, f.Category, f.File, f.Line, f.Status)
	}
	return service.WorkerResult{
		Artifacts:  map[string]string{"report.md": b.String()},
		Success:    true,
		Iterations: 1,
	}, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
