package workspace

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// GitCloneFunc performs a shallow clone of repoURL into dir. An empty
// branch clones the remote's own default branch. Injectable for tests.
type GitCloneFunc func(ctx context.Context, repoURL, branch, dir string) error

// Logger matches the subset of logrus the provider needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LocalProvider acquires workspaces under BaseDir. Every network attempt is
// bounded by AttemptTimeout and observes the caller's context, so the
// lifecycle controller's cancellation reaches mid-flight downloads.
type LocalProvider struct {
	BaseDir        string
	Client         *http.Client
	AttemptTimeout time.Duration
	Clone          GitCloneFunc
	Logger         Logger
}

func NewLocalProvider(baseDir string, attemptTimeout time.Duration, logger Logger) *LocalProvider {
	return &LocalProvider{
		BaseDir:        baseDir,
		Client:         &http.Client{},
		AttemptTimeout: attemptTimeout,
		Clone:          execGitClone,
		Logger:         logger,
	}
}

// Acquire resolves the task's project reference into a populated directory.
func (p *LocalProvider) Acquire(ctx context.Context, task models.AuditTask) (string, error) {
	dir := filepath.Join(p.BaseDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create workspace dir")
	}

	var err error
	switch task.Project.Kind {
	case models.ArchiveProject:
		err = p.acquireArchive(ctx, task.Project, dir)
	case models.RepositoryProject:
		err = p.acquireRepository(ctx, task.Project, dir)
	default:
		err = errors.Errorf("unknown project kind %q", task.Project.Kind)
	}
	if err != nil {
		p.Release(dir)
		return "", err
	}
	if emptyDir(dir) {
		p.Release(dir)
		return "", &AcquireError{Kind: NotFoundFailure, Attempts: []string{"acquired workspace is empty"}}
	}
	return dir, nil
}

// Release wipes the acquired directory. Safe to call on partial state.
func (p *LocalProvider) Release(dir string) {
	if dir == "" || p.BaseDir == "" || !strings.HasPrefix(dir, p.BaseDir) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.Logger.Errorf("Failed to remove workspace %s: %v", dir, err)
	}
}

// acquireArchive stream-extracts a local archive, failing fast when the
// file is missing or corrupt.
func (p *LocalProvider) acquireArchive(ctx context.Context, ref models.ProjectRef, dir string) error {
	f, err := os.Open(ref.ArchivePath)
	if err != nil {
		return &AcquireError{Kind: NotFoundFailure, Attempts: []string{fmt.Sprintf("open archive %s: %v", ref.ArchivePath, err)}}
	}
	defer f.Close()

	if err := extractTarGz(ctx, f, dir, 0); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &AcquireError{Kind: UnknownFailure, Attempts: []string{fmt.Sprintf("extract archive %s: %v", ref.ArchivePath, err)}}
	}
	return nil
}

// acquireRepository walks the fallback chain: branch-archive download per
// candidate branch, shallow clone per candidate branch, then a shallow
// clone of the remote's own default branch. The directory is wiped between
// attempts so partial state never leaks forward.
func (p *LocalProvider) acquireRepository(ctx context.Context, ref models.ProjectRef, dir string) error {
	branches := candidateBranches(ref)

	var attempts []string
	var kinds []FailureKind
	record := func(what string, err error) {
		attempts = append(attempts, fmt.Sprintf("%s: %v", what, err))
		kinds = append(kinds, classify(err))
	}

	for _, branch := range branches {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.downloadBranchArchive(ctx, ref.RepoURL, branch, dir)
		if err == nil && !emptyDir(dir) {
			return nil
		}
		if err == nil {
			err = errors.New("archive contained no files")
		}
		record("archive download "+branch, err)
		p.wipe(dir)
	}

	cloneTargets := append(append([]string{}, branches...), "")
	for _, branch := range cloneTargets {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err := p.Clone(attemptCtx, ref.RepoURL, branch, dir)
		cancel()
		if err == nil && !emptyDir(dir) {
			return nil
		}
		if err == nil {
			err = errors.New("clone produced no files")
		}
		what := "shallow clone " + branch
		if branch == "" {
			what = "shallow clone of remote default branch"
		}
		record(what, err)
		p.wipe(dir)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return &AcquireError{Kind: worstKind(kinds), Attempts: attempts}
}

func (p *LocalProvider) wipe(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		p.Logger.Errorf("Failed to wipe workspace %s between attempts: %v", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.Logger.Errorf("Failed to recreate workspace %s: %v", dir, err)
	}
}

// candidateBranches is the ordered, deduplicated branch list: explicit task
// branch, project default, then the conventional names.
func candidateBranches(ref models.ProjectRef) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, b := range []string{ref.Branch, ref.DefaultBranch, "main", "master"} {
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}

// downloadBranchArchive fetches <repo>/archive/refs/heads/<branch>.tar.gz
// and extracts it, stripping the wrapping top-level directory.
func (p *LocalProvider) downloadBranchArchive(ctx context.Context, repoURL, branch, dir string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/archive/refs/heads/%s.tar.gz", strings.TrimSuffix(repoURL, ".git"), branch)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return errors.Errorf("branch archive not found (404): %s", url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Errorf("authentication rejected (%d): %s", resp.StatusCode, url)
	default:
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, url)
	}

	return extractTarGz(attemptCtx, resp.Body, dir, 1)
}

// execGitClone shells out for a shallow clone; git handles the transport
// negotiation we would otherwise reimplement.
func execGitClone(ctx context.Context, repoURL, branch, dir string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, repoURL, dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Errorf("git clone: %v: %s", err, tail(string(out), 400))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
