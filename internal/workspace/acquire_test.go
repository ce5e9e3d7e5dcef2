package workspace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		assert.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		assert.NoError(t, err)
	}
	assert.NoError(t, tw.Close())
	assert.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p := NewLocalProvider(t.TempDir(), 5*time.Second, testLogger{})
	p.Clone = func(ctx context.Context, repoURL, branch, dir string) error {
		return errors.New("clone disabled in this test")
	}
	return p
}

func archiveTask(path string) models.AuditTask {
	return models.AuditTask{
		ID:      "task-1",
		Project: models.ProjectRef{Kind: models.ArchiveProject, ArchivePath: path},
	}
}

func repoTask(url, branch string) models.AuditTask {
	return models.AuditTask{
		ID:      "task-1",
		Project: models.ProjectRef{Kind: models.RepositoryProject, RepoURL: url, Branch: branch},
	}
}

func TestAcquireArchive(t *testing.T) {
	t.Run("ExtractsIntoWorkspace", func(t *testing.T) {
		archive := filepath.Join(t.TempDir(), "project.tar.gz")
		assert.NoError(t, os.WriteFile(archive, makeTarGz(t, map[string]string{
			"main.go":        "package main",
			"internal/db.go": "package internal",
		}), 0o644))

		p := newTestProvider(t)
		dir, err := p.Acquire(context.Background(), archiveTask(archive))
		assert.NoError(t, err)
		defer p.Release(dir)

		data, err := os.ReadFile(filepath.Join(dir, "main.go"))
		assert.NoError(t, err)
		assert.Equal(t, "package main", string(data))
		_, err = os.Stat(filepath.Join(dir, "internal", "db.go"))
		assert.NoError(t, err)
	})

	t.Run("MissingArchiveFailsFast", func(t *testing.T) {
		p := newTestProvider(t)
		_, err := p.Acquire(context.Background(), archiveTask("/does/not/exist.tar.gz"))
		assert.Error(t, err)
		var acquireErr *AcquireError
		assert.ErrorAs(t, err, &acquireErr)
		assert.Equal(t, NotFoundFailure, acquireErr.Kind)
	})

	t.Run("CorruptArchive", func(t *testing.T) {
		archive := filepath.Join(t.TempDir(), "bad.tar.gz")
		assert.NoError(t, os.WriteFile(archive, []byte("definitely not gzip"), 0o644))

		p := newTestProvider(t)
		_, err := p.Acquire(context.Background(), archiveTask(archive))
		assert.Error(t, err)
	})

	t.Run("PathTraversalRejected", func(t *testing.T) {
		archive := filepath.Join(t.TempDir(), "evil.tar.gz")
		assert.NoError(t, os.WriteFile(archive, makeTarGz(t, map[string]string{
			"../../escape.txt": "pwned",
		}), 0o644))

		p := newTestProvider(t)
		_, err := p.Acquire(context.Background(), archiveTask(archive))
		assert.Error(t, err)
	})
}

func TestAcquireRepository(t *testing.T) {
	t.Run("BranchArchiveDownload", func(t *testing.T) {
		payload := makeTarGz(t, map[string]string{
			"repo-develop/main.go": "package main",
		})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/repo/archive/refs/heads/develop.tar.gz" {
				_, _ = w.Write(payload)
				return
			}
			http.NotFound(w, r)
		}))
		defer srv.Close()

		p := newTestProvider(t)
		dir, err := p.Acquire(context.Background(), repoTask(srv.URL+"/repo.git", "develop"))
		assert.NoError(t, err)
		defer p.Release(dir)

		// The wrapping top-level directory is stripped.
		data, err := os.ReadFile(filepath.Join(dir, "main.go"))
		assert.NoError(t, err)
		assert.Equal(t, "package main", string(data))
	})

	t.Run("FallsBackToDefaultBranchClone", func(t *testing.T) {
		// A repository whose only branch is develop, with no archive
		// endpoint at all: every named attempt misses and the chain ends
		// at a plain clone of the remote's own default branch.
		srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
		defer srv.Close()

		var cloneBranches []string
		p := newTestProvider(t)
		p.Clone = func(ctx context.Context, repoURL, branch, dir string) error {
			cloneBranches = append(cloneBranches, branch)
			if branch != "" {
				return errors.Errorf("couldn't find remote ref %s", branch)
			}
			return os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('hi')"), 0o644)
		}

		dir, err := p.Acquire(context.Background(), repoTask(srv.URL+"/repo.git", ""))
		assert.NoError(t, err)
		defer p.Release(dir)

		// Without an explicit branch the conventional names go first.
		assert.Equal(t, []string{"main", "master", ""}, cloneBranches)
		_, err = os.Stat(filepath.Join(dir, "app.py"))
		assert.NoError(t, err)
	})

	t.Run("ExplicitBranchTriedFirst", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
		defer srv.Close()

		p := newTestProvider(t)
		var first string
		p.Clone = func(ctx context.Context, repoURL, branch, dir string) error {
			if first == "" {
				first = branch
			}
			return os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644)
		}
		dir, err := p.Acquire(context.Background(), repoTask(srv.URL+"/repo.git", "release-2.1"))
		assert.NoError(t, err)
		defer p.Release(dir)
		assert.Equal(t, "release-2.1", first)
	})

	t.Run("AuthFailureDominatesClassification", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		p := newTestProvider(t)
		p.Clone = func(ctx context.Context, repoURL, branch, dir string) error {
			return errors.New("fatal: Authentication failed for repository")
		}
		_, err := p.Acquire(context.Background(), repoTask(srv.URL+"/repo.git", ""))
		assert.Error(t, err)

		var acquireErr *AcquireError
		assert.ErrorAs(t, err, &acquireErr)
		assert.Equal(t, AuthFailure, acquireErr.Kind)
		assert.Contains(t, err.Error(), "check the project credentials")
		// Every attempt in the chain is reported.
		assert.NotEmpty(t, acquireErr.Attempts)
	})

	t.Run("CancellationStopsTheChain", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		p := newTestProvider(t)
		p.Clone = func(ctx context.Context, repoURL, branch, dir string) error {
			cancel()
			return errors.New("interrupted")
		}
		_, err := p.Acquire(ctx, repoTask(srv.URL+"/repo.git", ""))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWorstKind(t *testing.T) {
	assert.Equal(t, AuthFailure, worstKind([]FailureKind{NetworkFailure, AuthFailure, NotFoundFailure}))
	assert.Equal(t, NotFoundFailure, worstKind([]FailureKind{NetworkFailure, NotFoundFailure}))
	assert.Equal(t, UnknownFailure, worstKind(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, AuthFailure, classify(errors.New("could not read Username for 'https://github.com'")))
	assert.Equal(t, NotFoundFailure, classify(errors.New("branch archive not found (404)")))
	assert.Equal(t, NetworkFailure, classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, TimeoutFailure, classify(context.DeadlineExceeded))
	assert.Equal(t, UnknownFailure, classify(errors.New("weird")))
}

func TestReleaseGuards(t *testing.T) {
	p := NewLocalProvider(t.TempDir(), time.Second, testLogger{})
	outside := t.TempDir()
	marker := filepath.Join(outside, "keep.txt")
	assert.NoError(t, os.WriteFile(marker, []byte("keep"), 0o644))

	// Directories outside BaseDir are never removed.
	p.Release(outside)
	_, err := os.Stat(marker)
	assert.NoError(t, err)

	inside := filepath.Join(p.BaseDir, "ws")
	assert.NoError(t, os.MkdirAll(inside, 0o755))
	p.Release(inside)
	_, err = os.Stat(inside)
	assert.True(t, os.IsNotExist(err))
}
