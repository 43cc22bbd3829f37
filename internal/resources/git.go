package resources

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/pkg/types"
)

// Cloner clones url into dir and checks out sha when it is not empty.
type Cloner interface {
	Clone(ctx context.Context, dir, url string, auth transport.AuthMethod, sha string) error
}

// GoGitCloner 使用 go-git 進行 clone 與 checkout
type GoGitCloner struct{}

// Clone implements Cloner.
func (GoGitCloner) Clone(ctx context.Context, dir, url string, auth transport.AuthMethod, sha string) error {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	if sha == "" {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(sha),
		Force: true,
	}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", sha, err)
	}
	return nil
}

// GitRepo handles gitRepo IN dependencies.
type GitRepo struct {
	cloner Cloner
}

// NewGitRepo returns a gitRepo handler; nil uses GoGitCloner.
func NewGitRepo(cloner Cloner) *GitRepo {
	if cloner == nil {
		cloner = GoGitCloner{}
	}
	return &GitRepo{cloner: cloner}
}

// repoSource 從 propertyBag 解析出的 clone 來源
type repoSource struct {
	URL        string
	PrivateKey string
	Private    bool
}

func parseRepoSource(dep *types.Dependency) (repoSource, []string) {
	repo, _ := dep.PropertyBag["normalizedRepo"].(map[string]any)
	if repo == nil {
		return repoSource{}, []string{"gitRepo is missing: dependency.propertyBag.normalizedRepo"}
	}

	src := repoSource{}
	src.Private, _ = repo["isPrivateRepository"].(bool)
	if src.Private {
		src.URL, _ = repo["repositorySshUrl"].(string)
	} else {
		src.URL, _ = repo["repositoryHttpsUrl"].(string)
	}
	if key, ok := dep.PropertyBag["sysDeployKey"].(map[string]any); ok {
		src.PrivateKey, _ = key["private"].(string)
	}

	var problems []string
	if src.URL == "" {
		problems = append(problems, "gitRepo is missing: repository url")
	}
	if src.Private && src.PrivateKey == "" {
		problems = append(problems, "gitRepo is missing: dependency.propertyBag.sysDeployKey.private")
	}
	return src, problems
}

// In clones the repository into IN/<name>/gitRepo at version.versionName.
func (g *GitRepo) In(ctx context.Context, env *Env, dep *types.Dependency) error {
	src, problems := parseRepoSource(dep)
	if err := validate(env.Console, problems); err != nil {
		return err
	}

	var auth transport.AuthMethod
	if err := runCommand(env.Console, "Injecting dependencies", "Successfully injected dependencies", func() error {
		if !src.Private {
			return nil
		}
		keys, err := ssh.NewPublicKeys("git", []byte(src.PrivateKey), "")
		if err != nil {
			return fmt.Errorf("failed to load deploy key: %w", err)
		}
		auth = keys
		return nil
	}); err != nil {
		return err
	}

	sha := ""
	if dep.Version != nil {
		sha = dep.Version.VersionName
	}
	dir := filepath.Join(env.InDir(), dep.Name, dep.Type)

	return runCommand(env.Console, "Cloning "+src.URL, "Successfully cloned repository", func() error {
		env.logger().Info("cloning repository",
			zap.String("resource", dep.Name),
			zap.String("url", src.URL),
			zap.String("sha", sha))
		return g.cloner.Clone(ctx, dir, src.URL, auth, sha)
	})
}
