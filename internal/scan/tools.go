package scan

import (
	"bufio"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

const (
	maxFileSizeBytes   = 1 << 20
	maxSnippetLen      = 160
	maxFindingsPerScan = 50
	cancelCheckEvery   = 32
)

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".java": true, ".rb": true, ".php": true, ".cs": true,
	".c": true, ".cc": true, ".cpp": true, ".h": true, ".rs": true,
	".kt": true, ".swift": true, ".sh": true, ".yaml": true, ".yml": true,
	".env": true, ".properties": true,
}

// ListFilesTool enumerates the auditable source files of a workspace.
type ListFilesTool struct{}

type listFilesInput struct {
	Dir     string   `json:"dir"`
	Exclude []string `json:"exclude,omitempty"`
	Target  []string `json:"target,omitempty"`
}

type listFilesOutput struct {
	Files []string `json:"files"`
}

func (ListFilesTool) Name() string { return "list_files" }

func (ListFilesTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in listFilesInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	files, err := listSourceFiles(ctx, in.Dir, in.Exclude, in.Target)
	if err != nil {
		return nil, err
	}
	return json.Marshal(listFilesOutput{Files: files})
}

// PatternScanTool matches the signature set of the requested scope entries
// against a list of files and reports candidate findings.
type PatternScanTool struct{}

type patternScanInput struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
	Scope []string `json:"scope"`
}

type patternScanOutput struct {
	Findings []models.Finding `json:"findings"`
}

func (PatternScanTool) Name() string { return "pattern_scan" }

func (PatternScanTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in patternScanInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	var findings []models.Finding
	for i, rel := range in.Files {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		found, err := scanFile(in.Dir, rel, in.Scope)
		if err != nil {
			continue // unreadable files are skipped, not fatal
		}
		findings = append(findings, found...)
		if len(findings) >= maxFindingsPerScan {
			findings = findings[:maxFindingsPerScan]
			break
		}
	}
	return json.Marshal(patternScanOutput{Findings: findings})
}

func listSourceFiles(ctx context.Context, dir string, exclude, target []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return ctx.Err()
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if matchesAny(rel, exclude) {
			return nil
		}
		if len(target) > 0 && !matchesAny(rel, target) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func matchesAny(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(g, filepath.Base(rel)); ok {
			return true
		}
		if strings.HasPrefix(rel, strings.TrimSuffix(g, "/")+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func scanFile(dir, rel string, scope []string) ([]models.Finding, error) {
	info, err := os.Stat(filepath.Join(dir, rel))
	if err != nil || info.Size() > maxFileSizeBytes {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var findings []models.Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		for _, category := range scope {
			for _, p := range signatures[category] {
				if !p.re.MatchString(text) {
					continue
				}
				snippet := strings.TrimSpace(text)
				if len(snippet) > maxSnippetLen {
					snippet = snippet[:maxSnippetLen]
				}
				finding := models.Finding{
					Category:   category,
					Severity:   p.severity,
					File:       rel,
					Line:       line,
					Snippet:    snippet,
					Status:     models.NewFinding,
					Confidence: p.confidence,
				}
				finding.Fingerprint = finding.ComputeFingerprint()
				findings = append(findings, finding)
				break
			}
		}
	}
	return findings, scanner.Err()
}
