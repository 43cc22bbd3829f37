package resources

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/runsh/internal/statefile"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeConsole struct {
	events []string
}

func (f *fakeConsole) OpenCommand(name string) (string, error) {
	f.events = append(f.events, "cmd:"+name)
	return name, nil
}

func (f *fakeConsole) CloseCommand(ok bool) {
	if ok {
		f.events = append(f.events, "/cmd:ok")
	} else {
		f.events = append(f.events, "/cmd:fail")
	}
}

func (f *fakeConsole) PublishMessage(text string) {
	f.events = append(f.events, "msg:"+text)
}

type fakeAPI struct {
	posted []types.Version
	err    error
}

func (f *fakeAPI) PostVersion(ctx context.Context, v types.Version) (*types.Version, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.posted = append(f.posted, v)
	v.VersionID = "v-new"
	return &v, nil
}

func newEnv(t *testing.T) (*Env, *fakeConsole, *fakeAPI) {
	t.Helper()
	con := &fakeConsole{}
	api := &fakeAPI{}
	return &Env{Console: con, API: api, BuildJobID: "bj1", Root: t.TempDir()}, con, api
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistry_Lookup(t *testing.T) {
	r := Default()

	_, err := r.Lookup("params", types.OperationIN)
	assert.NoError(t, err)
	_, err = r.Lookup("image", types.OperationOUT)
	assert.NoError(t, err)

	_, err = r.Lookup("params", types.OperationOUT)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = r.Lookup("rSync", types.OperationIN)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Contains(t, err.Error(), "rSync")

	assert.Contains(t, r.Types(), "gitRepo")
	assert.IsIncreasing(t, r.Types())
}

func TestNoopTypes(t *testing.T) {
	env, con, _ := newEnv(t)
	for _, typ := range []string{"trigger", "version", "cluster"} {
		fn, err := Default().Lookup(typ, types.OperationIN)
		require.NoError(t, err)
		assert.NoError(t, fn(context.Background(), env, &types.Dependency{Name: "x", Type: typ}))
	}
	assert.Empty(t, con.events)
}

// ============================================================================
// IN handlers
// ============================================================================

func TestWriteVersionFile(t *testing.T) {
	root := t.TempDir()
	dep := &types.Dependency{
		Name: "repo", Type: "gitRepo", Operation: types.OperationIN, ResourceID: "r1",
		Version: &types.Version{ProjectID: "p1", VersionName: "abc"},
	}

	path, err := WriteVersionFile(root, dep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "IN", "repo", "version.json"), path)

	var vf VersionFile
	require.NoError(t, statefile.ReadJSON(path, &vf))
	assert.Equal(t, "r1", vf.ResourceID)
	assert.Equal(t, "p1", vf.ProjectID)
	assert.Equal(t, "abc", vf.Version.VersionName)
}

func TestParamsIn(t *testing.T) {
	env, con, _ := newEnv(t)
	dep := &types.Dependency{
		Name: "creds",
		Version: &types.Version{PropertyBag: map[string]any{
			"params": map[string]any{"B": "2", "A": "1", "secure": "export TOKEN=x"},
		}},
	}

	require.NoError(t, paramsIn(context.Background(), env, dep))

	data, err := os.ReadFile(filepath.Join(env.Root, "IN", "creds", "params"))
	require.NoError(t, err)
	assert.Equal(t, "A=1\nB=2\nexport TOKEN=x\n", string(data))
	assert.Contains(t, con.events, "msg:Successfully validated dependencies")
}

func TestParamsIn_Missing(t *testing.T) {
	env, con, _ := newEnv(t)
	err := paramsIn(context.Background(), env, &types.Dependency{Name: "creds", Version: &types.Version{}})
	assert.ErrorIs(t, err, ErrInvalidDependency)
	assert.Equal(t, []string{
		"cmd:Validating dependencies",
		"msg:params is missing: dependency.version.propertyBag.params",
		"/cmd:fail",
	}, con.events)
}

func TestImageIn(t *testing.T) {
	env, _, _ := newEnv(t)

	err := imageIn(context.Background(), env, &types.Dependency{Name: "img"})
	assert.ErrorIs(t, err, ErrInvalidDependency)

	ok := &types.Dependency{
		Name:                         "img",
		SourceName:                   "library/nginx",
		Version:                      &types.Version{VersionName: "1.25"},
		VersionDependencyPropertyBag: map[string]any{},
	}
	assert.NoError(t, imageIn(context.Background(), env, ok))
}

func TestDockerOptionsIn(t *testing.T) {
	env, con, _ := newEnv(t)

	dep := &types.Dependency{Name: "opts"}
	require.NoError(t, dockerOptionsIn(context.Background(), env, dep))
	assert.Equal(t, DefaultDockerMemory, dep.Version.PropertyBag["memory"])
	assert.Contains(t, con.events, "cmd:Setting default values")

	set := &types.Dependency{Name: "opts", Version: &types.Version{PropertyBag: map[string]any{"memory": float64(1024)}}}
	require.NoError(t, dockerOptionsIn(context.Background(), env, set))
	assert.Equal(t, float64(1024), set.Version.PropertyBag["memory"])
}

func TestKickStartIn(t *testing.T) {
	env, _, _ := newEnv(t)
	assert.ErrorIs(t, kickStartIn(context.Background(), env, &types.Dependency{}), ErrInvalidDependency)
	assert.NoError(t, kickStartIn(context.Background(), env, &types.Dependency{
		Version: &types.Version{PropertyBag: map[string]any{"counter": float64(3)}},
	}))
}

// ============================================================================
// gitRepo
// ============================================================================

type fakeCloner struct {
	dir, url, sha string
	auth          transport.AuthMethod
	err           error
}

func (f *fakeCloner) Clone(ctx context.Context, dir, url string, auth transport.AuthMethod, sha string) error {
	f.dir, f.url, f.auth, f.sha = dir, url, auth, sha
	return f.err
}

func gitDep(private bool) *types.Dependency {
	return &types.Dependency{
		Name: "repo",
		Type: "gitRepo",
		PropertyBag: map[string]any{
			"normalizedRepo": map[string]any{
				"isPrivateRepository": private,
				"repositorySshUrl":    "git@example.com:org/repo.git",
				"repositoryHttpsUrl":  "https://example.com/org/repo.git",
			},
		},
		Version: &types.Version{VersionName: "0123456789abcdef0123456789abcdef01234567"},
	}
}

func TestGitRepoIn_Public(t *testing.T) {
	env, _, _ := newEnv(t)
	fc := &fakeCloner{}

	require.NoError(t, NewGitRepo(fc).In(context.Background(), env, gitDep(false)))
	assert.Equal(t, "https://example.com/org/repo.git", fc.url)
	assert.Equal(t, filepath.Join(env.Root, "IN", "repo", "gitRepo"), fc.dir)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", fc.sha)
	assert.Nil(t, fc.auth)
}

func TestGitRepoIn_PrivateNeedsKey(t *testing.T) {
	env, con, _ := newEnv(t)
	fc := &fakeCloner{}

	err := NewGitRepo(fc).In(context.Background(), env, gitDep(true))
	assert.ErrorIs(t, err, ErrInvalidDependency)
	assert.Empty(t, fc.url)
	assert.Contains(t, con.events, "msg:gitRepo is missing: dependency.propertyBag.sysDeployKey.private")
}

func TestGitRepoIn_BadKey(t *testing.T) {
	env, _, _ := newEnv(t)
	dep := gitDep(true)
	dep.PropertyBag["sysDeployKey"] = map[string]any{"private": "not a key"}

	err := NewGitRepo(&fakeCloner{}).In(context.Background(), env, dep)
	assert.ErrorContains(t, err, "failed to load deploy key")
}

func TestGitRepoIn_CloneError(t *testing.T) {
	env, con, _ := newEnv(t)
	err := NewGitRepo(&fakeCloner{err: errors.New("unreachable")}).In(context.Background(), env, gitDep(false))
	assert.Error(t, err)
	assert.Equal(t, "/cmd:fail", con.events[len(con.events)-1])
}

func TestGitRepoIn_MissingRepo(t *testing.T) {
	env, _, _ := newEnv(t)
	err := NewGitRepo(&fakeCloner{}).In(context.Background(), env, &types.Dependency{Name: "repo", Type: "gitRepo"})
	assert.ErrorIs(t, err, ErrInvalidDependency)
}

func TestGoGitCloner_LocalRepository(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available")
	}

	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	sig := &object.Signature{Name: "runsh", Email: "runsh@example.com", When: time.Now()}
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("one"), 0644))
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	first, err := wt.Commit("first", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("two"), 0644))
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("second", &git.CommitOptions{Author: sig})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, GoGitCloner{}.Clone(context.Background(), dst, src, nil, first.String()))

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

// ============================================================================
// OUT handlers
// ============================================================================

func outDep() *types.Dependency {
	return &types.Dependency{
		Name:       "img",
		Type:       "image",
		Operation:  types.OperationOUT,
		ResourceID: "r1",
		SourceName: "org/img",
		Version:    &types.Version{ProjectID: "p1", VersionName: "1.0"},
	}
}

func TestVersionOut_PostsChangedVersion(t *testing.T) {
	env, _, api := newEnv(t)
	dep := outDep()
	_, err := WriteVersionFile(env.Root, dep)
	require.NoError(t, err)
	require.NoError(t, statefile.WriteFile(filepath.Join(env.StateDir(), "img.env"),
		[]byte("versionName=1.1\nDIGEST=sha256:abc\n"), 0644))

	require.NoError(t, versionOut("image")(context.Background(), env, dep))

	require.Len(t, api.posted, 1)
	assert.Equal(t, "1.1", api.posted[0].VersionName)
	assert.Equal(t, "r1", api.posted[0].ResourceID)
	assert.Equal(t, "p1", api.posted[0].ProjectID)
	assert.Equal(t, map[string]any{"DIGEST": "sha256:abc"}, api.posted[0].PropertyBag)
}

func TestVersionOut_UnchangedVersion(t *testing.T) {
	env, _, api := newEnv(t)
	dep := outDep()
	_, err := WriteVersionFile(env.Root, dep)
	require.NoError(t, err)
	require.NoError(t, statefile.WriteFile(filepath.Join(env.StateDir(), "img.env"), []byte("versionName=1.0\n"), 0644))

	require.NoError(t, versionOut("file")(context.Background(), env, dep))
	assert.Empty(t, api.posted)
}

func TestVersionOut_SkipsMissingFiles(t *testing.T) {
	env, con, api := newEnv(t)
	dep := outDep()

	require.NoError(t, versionOut("image")(context.Background(), env, dep))
	assert.Contains(t, con.events, "msg:Failed to read image file. Hence skipping.")

	_, err := WriteVersionFile(env.Root, dep)
	require.NoError(t, err)
	require.NoError(t, versionOut("image")(context.Background(), env, dep))
	assert.Empty(t, api.posted)
}

func TestVersionOut_PostError(t *testing.T) {
	env, _, api := newEnv(t)
	api.err = errors.New("500")
	dep := outDep()
	_, err := WriteVersionFile(env.Root, dep)
	require.NoError(t, err)
	require.NoError(t, statefile.WriteFile(filepath.Join(env.StateDir(), "img.env"), []byte("versionName=2.0\n"), 0644))

	err = versionOut("image")(context.Background(), env, dep)
	assert.ErrorContains(t, err, "failed to post version")
}

func TestVersionOut_Validation(t *testing.T) {
	env, _, _ := newEnv(t)
	err := versionOut("file")(context.Background(), env, &types.Dependency{Name: "f"})
	assert.ErrorIs(t, err, ErrInvalidDependency)
}
