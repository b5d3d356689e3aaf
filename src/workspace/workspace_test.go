// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/model"
)

type fakeGit struct {
	mu          sync.Mutex
	failures    int
	failStderr  string
	remote      string
	cloneDelay  time.Duration
	calls       []string
	inflight    int32
	maxInflight int32
}

func (f *fakeGit) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, args[0])
	fail := false
	if args[0] == "clone" && f.failures > 0 {
		f.failures--
		fail = true
	}
	f.mu.Unlock()

	switch args[0] {
	case "clone":
		if fail {
			return "", &GitError{Args: args, Stderr: f.failStderr, Err: errors.New("exit status 128")}
		}
		time.Sleep(f.cloneDelay)
		return "", os.MkdirAll(filepath.Join(args[3], ".git"), 0700)
	case "rev-parse":
		if args[1] == "--is-inside-work-tree" {
			return "true", nil
		}
		return "", nil
	case "remote":
		return f.remote, nil
	case "log":
		return "0123456789abcdef0123456789abcdef01234567\nInitial commit", nil
	}
	return "", nil
}

func (f *fakeGit) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

func testGitConfig() config.GitConfig {
	return config.GitConfig{Timeout: time.Minute, Retries: 3, RetryDelay: 2 * time.Second, RetryFactor: 2}
}

func newFakeManager(t *testing.T, git *fakeGit) (*Manager, *[]time.Duration) {
	m := NewManager(t.TempDir(), git, testGitConfig(), nil)
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func fakeRequest(remote string, notices *[]string) Request {
	return Request{
		ProjectID:  1,
		TemplateID: 2,
		Repository: model.Repository{Name: "r", GitURL: remote, GitBranch: "master"},
		Notice:     func(s string) { *notices = append(*notices, s) },
	}
}

func TestPrepareRetriesNetworkFailures(t *testing.T) {
	remote := "https://git.example.invalid/repo.git"
	git := &fakeGit{failures: 2, remote: remote,
		failStderr: "fatal: unable to access 'https://git.example.invalid/': Could not resolve host: git.example.invalid"}
	m, slept := newFakeManager(t, git)

	var notices []string
	ws, err := m.Prepare(context.Background(), fakeRequest(remote, &notices))
	require.NoError(t, err)

	assert.Equal(t, m.Path(1, 2), ws.Path)
	assert.Equal(t, "Initial commit", ws.Head.CommitMessage)
	assert.Len(t, notices, 2)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *slept)
	assert.Equal(t, 3, git.count("clone"))
}

func TestPrepareGivesUpAfterRetries(t *testing.T) {
	remote := "ssh://git@git.example.invalid/repo.git"
	git := &fakeGit{failures: 10, remote: remote, failStderr: "ssh: connect to host git.example.invalid port 22: Connection refused"}
	m, _ := newFakeManager(t, git)

	var notices []string
	_, err := m.Prepare(context.Background(), fakeRequest(remote, &notices))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, fault.KindNetwork, fault.KindOf(err))
	assert.Len(t, notices, 2)
	assert.Equal(t, 3, git.count("clone"))
}

func TestPrepareAuthFailureIsNotRetried(t *testing.T) {
	remote := "git@example.invalid:org/repo.git"
	git := &fakeGit{failures: 1, remote: remote,
		failStderr: "git@example.invalid: Permission denied (publickey).\nfatal: Could not read from remote repository."}
	m, _ := newFakeManager(t, git)

	var notices []string
	_, err := m.Prepare(context.Background(), fakeRequest(remote, &notices))
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
	assert.Empty(t, notices)
	assert.Equal(t, 1, git.count("clone"))
}

func TestPrepareEmptyRemote(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tmp")
	m := NewManager(root, &fakeGit{}, testGitConfig(), nil)

	var notices []string
	_, err := m.Prepare(context.Background(), fakeRequest("  ", &notices))
	assert.ErrorIs(t, err, ErrEmptyRemote)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	assert.NoDirExists(t, root)
}

func TestPrepareSerialisesSameTemplate(t *testing.T) {
	remote := "https://example.invalid/repo.git"
	git := &fakeGit{remote: remote, cloneDelay: 20 * time.Millisecond}
	m, _ := newFakeManager(t, git)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var notices []string
			_, err := m.Prepare(context.Background(), fakeRequest(remote, &notices))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&git.maxInflight))
	assert.Equal(t, 1, git.count("clone"))
	assert.Equal(t, 7, git.count("fetch"))
}

func TestLockRespectsCancellation(t *testing.T) {
	l := newKeyedLock()
	require.NoError(t, l.Lock(context.Background(), [2]int{1, 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Lock(ctx, [2]int{1, 1}), context.DeadlineExceeded)
	require.NoError(t, l.Lock(context.Background(), [2]int{1, 2}))

	l.Unlock([2]int{1, 1})
	l.Unlock([2]int{1, 2})
	assert.Empty(t, l.entries)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		stderr string
		want   error
		kind   fault.Kind
	}{
		{"fatal: Authentication failed for 'https://x/'", ErrAuthFailed, fault.KindAuth},
		{"fatal: could not read Username for 'https://x': terminal prompts disabled", ErrAuthFailed, fault.KindAuth},
		{"fatal: couldn't find remote ref nope", ErrRefNotFound, fault.KindConfig},
		{"fatal: Remote branch nope not found in upstream origin", ErrRefNotFound, fault.KindConfig},
		{"fatal: unable to access 'https://x/': Could not resolve host: x", ErrNetworkUnavailable, fault.KindNetwork},
		{"error: unable to write file: No space left on device", ErrDiskFull, fault.KindUnknown},
	}
	for _, tc := range cases {
		err := classify("op", &GitError{Args: []string{"fetch"}, Stderr: tc.stderr, Err: errors.New("exit status 128")})
		assert.ErrorIs(t, err, tc.want, tc.stderr)
		assert.Equal(t, tc.kind, fault.KindOf(err), tc.stderr)
	}

	assert.Equal(t, fault.KindCancelled, fault.KindOf(classify("op", context.Canceled)))
	assert.ErrorIs(t, classify("op", context.DeadlineExceeded), ErrNetworkUnavailable)
	assert.Nil(t, classify("op", nil))
}

// Tests below drive the real git binary against fixture repositories.

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := CLI{}.Run(context.Background(), dir, []string{
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	}, args...)
	require.NoError(t, err)
	return out
}

func fixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.sh"), []byte("echo HELLO\n"), 0755))
	gitRun(t, dir, "add", "hello.sh")
	gitRun(t, dir, "commit", "-q", "-m", "Add hello")
	gitRun(t, dir, "branch", "-M", "master")
	return dir
}

func realRequest(remote, ref string) Request {
	return Request{
		ProjectID:  3,
		TemplateID: 4,
		Repository: model.Repository{Name: "fixture", GitURL: remote, GitBranch: "master"},
		Ref:        ref,
	}
}

func TestPrepareWithGit(t *testing.T) {
	requireGit(t)
	remote := fixtureRepo(t)
	m := NewManager(t.TempDir(), nil, testGitConfig(), nil)
	ctx := context.Background()

	first, err := m.Prepare(ctx, realRequest(remote, ""))
	require.NoError(t, err)
	assert.Equal(t, "Add hello", first.Head.CommitMessage)
	assert.Len(t, first.Head.CommitHash, 40)
	assert.FileExists(t, filepath.Join(first.Path, "hello.sh"))

	marker := filepath.Join(first.Path, "untracked.marker")
	require.NoError(t, os.WriteFile(marker, nil, 0600))

	again, err := m.Prepare(ctx, realRequest(remote, ""))
	require.NoError(t, err)
	assert.Equal(t, first.Head, again.Head)
	assert.FileExists(t, marker, "second prepare must not re-clone")

	require.NoError(t, os.WriteFile(filepath.Join(remote, "second.txt"), []byte("2"), 0644))
	gitRun(t, remote, "add", "second.txt")
	gitRun(t, remote, "commit", "-q", "-m", "Second")

	latest, err := m.Prepare(ctx, realRequest(remote, "master"))
	require.NoError(t, err)
	assert.Equal(t, "Second", latest.Head.CommitMessage)
	assert.NotEqual(t, first.Head.CommitHash, latest.Head.CommitHash)

	pinned, err := m.Prepare(ctx, realRequest(remote, first.Head.CommitHash))
	require.NoError(t, err)
	assert.Equal(t, first.Head.CommitHash, pinned.Head.CommitHash)
	assert.NoFileExists(t, filepath.Join(pinned.Path, "second.txt"))

	gitRun(t, remote, "tag", "v1", first.Head.CommitHash)
	tagged, err := m.Prepare(ctx, realRequest(remote, "v1"))
	require.NoError(t, err)
	assert.Equal(t, first.Head.CommitHash, tagged.Head.CommitHash)

	_, err = m.Prepare(ctx, realRequest(remote, "no-such-branch"))
	assert.ErrorIs(t, err, ErrRefNotFound)
}

func TestPrepareRecreatesOnRemoteChange(t *testing.T) {
	requireGit(t)
	remoteA := fixtureRepo(t)
	remoteB := fixtureRepo(t)
	m := NewManager(t.TempDir(), nil, testGitConfig(), nil)
	ctx := context.Background()

	ws, err := m.Prepare(ctx, realRequest(remoteA, ""))
	require.NoError(t, err)
	marker := filepath.Join(ws.Path, "untracked.marker")
	require.NoError(t, os.WriteFile(marker, nil, 0600))

	_, err = m.Prepare(ctx, realRequest(remoteB, ""))
	require.NoError(t, err)
	assert.NoFileExists(t, marker)
}

func TestPrepareRecreatesCorruptedTree(t *testing.T) {
	requireGit(t)
	remote := fixtureRepo(t)
	m := NewManager(t.TempDir(), nil, testGitConfig(), nil)
	ctx := context.Background()

	ws, err := m.Prepare(ctx, realRequest(remote, ""))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(ws.Path, ".git", "objects")))
	require.NoError(t, os.RemoveAll(filepath.Join(ws.Path, ".git", "HEAD")))

	again, err := m.Prepare(ctx, realRequest(remote, ""))
	require.NoError(t, err)
	assert.Equal(t, ws.Head.CommitHash, again.Head.CommitHash)
}
