// Package source retrieves the branch under validation into an environment.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const (
	lfsPointerPrefix = "version https://git-lfs.github.com/spec/v1"
	maxLFSPointer    = 1024
	maxDiffBytes     = 256 * 1024
	remoteName       = "origin"
)

// RepositoryRef names the branch to validate.
type RepositoryRef struct {
	URL    string
	Branch string
	// BaseBranch is the pull request target. Changed files are computed
	// against its merge base with Branch.
	BaseBranch  string
	PullRequest int
	// Commit pins the checkout when set. It must be reachable from Branch.
	Commit string
	Depth  int
	Token  config.Secret
}

func (r RepositoryRef) String() string {
	return fmt.Sprintf("%s@%s", r.URL, r.Branch)
}

// Result is the outcome of a clone. Errors lists problems that did not stop
// the checkout, such as a base branch that could not be fetched.
type Result struct {
	Success bool
	Commit  string
	// Artifacts are the paths of Git LFS pointer files in the checkout.
	Artifacts    []string
	ChangedFiles []string
	Diff         string
	Errors       []string
}

// Cloner retrieves source into an environment.
type Cloner interface {
	CloneBranch(ctx context.Context, env shell.Environment, ref RepositoryRef, targetPath string) (*Result, error)
}

// GitCloner clones with go-git. No git binary is needed for remote URLs.
type GitCloner struct {
	logger *logging.Logger
	tracer trace.Tracer
}

// NewGitCloner creates a GitCloner.
func NewGitCloner(logger *logging.Logger) *GitCloner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &GitCloner{
		logger: logger.Named("source"),
		tracer: otel.Tracer("github.com/fyrsmithlabs/prgate/internal/source"),
	}
}

// CloneBranch clones ref.Branch into targetPath, or into the environment
// root when targetPath is empty.
func (c *GitCloner) CloneBranch(ctx context.Context, env shell.Environment, ref RepositoryRef, targetPath string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "source.clone", trace.WithAttributes(
		attribute.String("source.url", redactURL(ref.URL)),
		attribute.String("source.branch", ref.Branch),
	))
	defer span.End()

	if targetPath == "" {
		targetPath = env.Root
	}
	if ref.URL == "" || ref.Branch == "" {
		return &Result{}, collaboratorErr("clone", errors.New("repository url and branch are required"))
	}

	auth := authFor(ref)
	repo, err := git.PlainCloneContext(ctx, targetPath, false, &git.CloneOptions{
		URL:               ref.URL,
		Auth:              auth,
		RemoteName:        remoteName,
		ReferenceName:     plumbing.NewBranchReferenceName(ref.Branch),
		SingleBranch:      true,
		Depth:             ref.Depth,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
		Tags:              git.NoTags,
	})
	if err != nil {
		span.RecordError(err)
		err = fmt.Errorf("cloning %s: %w", ref, err)
		return &Result{Errors: []string{err.Error()}}, collaboratorErr("clone", err)
	}

	head, err := repo.Head()
	if err != nil {
		err = fmt.Errorf("resolving HEAD of %s: %w", ref, err)
		return &Result{Errors: []string{err.Error()}}, collaboratorErr("clone", err)
	}
	hash := head.Hash()

	if ref.Commit != "" && !strings.HasPrefix(hash.String(), ref.Commit) {
		pinned, err := checkoutCommit(repo, ref.Commit)
		if err != nil {
			err = fmt.Errorf("checking out %s: %w", ref.Commit, err)
			return &Result{Commit: hash.String(), Errors: []string{err.Error()}}, collaboratorErr("checkout", err)
		}
		hash = pinned
	}

	headCommit, err := repo.CommitObject(hash)
	if err != nil {
		err = fmt.Errorf("reading commit %s: %w", hash, err)
		return &Result{Commit: hash.String(), Errors: []string{err.Error()}}, collaboratorErr("clone", err)
	}

	result := &Result{Success: true, Commit: hash.String()}

	if pointers, err := lfsPointers(headCommit); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scanning LFS pointers: %v", err))
	} else {
		result.Artifacts = pointers
	}

	if ref.BaseBranch != "" && ref.BaseBranch != ref.Branch {
		changed, diff, err := c.changedFiles(ctx, repo, headCommit, ref, auth)
		if err != nil {
			c.logger.Warn(ctx, "changed files unavailable", zap.String("base", ref.BaseBranch), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("diffing against %s: %v", ref.BaseBranch, err))
		} else {
			result.ChangedFiles = changed
			result.Diff = diff
		}
	}

	span.SetAttributes(
		attribute.String("source.commit", result.Commit),
		attribute.Int("source.changed_files", len(result.ChangedFiles)),
	)
	c.logger.Info(ctx, "source cloned",
		zap.String("commit", result.Commit),
		zap.Int("changed_files", len(result.ChangedFiles)),
		zap.Int("lfs_pointers", len(result.Artifacts)),
	)
	return result, nil
}

func checkoutCommit(repo *git.Repository, prefix string) (plumbing.Hash, error) {
	var hash plumbing.Hash
	if len(prefix) == 40 {
		hash = plumbing.NewHash(prefix)
	} else {
		h, err := repo.ResolveRevision(plumbing.Revision(prefix))
		if err != nil {
			return plumbing.ZeroHash, err
		}
		hash = *h
	}
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash}); err != nil {
		return plumbing.ZeroHash, err
	}
	return hash, nil
}

// changedFiles fetches the base branch and diffs head against the merge
// base. Deleted files are not listed.
func (c *GitCloner) changedFiles(ctx context.Context, repo *git.Repository, head *object.Commit, ref RepositoryRef, auth transport.AuthMethod) ([]string, string, error) {
	remoteRef := plumbing.NewRemoteReferenceName(remoteName, ref.BaseBranch)
	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(ref.BaseBranch), remoteRef))
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, "", fmt.Errorf("fetching base: %w", err)
	}

	baseRef, err := repo.Reference(remoteRef, true)
	if err != nil {
		return nil, "", fmt.Errorf("resolving base: %w", err)
	}
	base, err := repo.CommitObject(baseRef.Hash())
	if err != nil {
		return nil, "", fmt.Errorf("reading base commit: %w", err)
	}
	if bases, err := head.MergeBase(base); err == nil && len(bases) > 0 {
		base = bases[0]
	}

	baseTree, err := base.Tree()
	if err != nil {
		return nil, "", err
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, "", err
	}
	changes, err := baseTree.DiffContext(ctx, headTree)
	if err != nil {
		return nil, "", err
	}

	var files []string
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, "", err
		}
		if action == merkletrie.Delete {
			continue
		}
		files = append(files, ch.To.Name)
	}
	sort.Strings(files)

	diff := ""
	if patch, err := changes.PatchContext(ctx); err == nil {
		diff = patch.String()
		if len(diff) > maxDiffBytes {
			diff = diff[:maxDiffBytes]
		}
	}
	return files, diff, nil
}

func lfsPointers(commit *object.Commit) ([]string, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	var pointers []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if f.Size > maxLFSPointer {
			return nil
		}
		r, err := f.Reader()
		if err != nil {
			return err
		}
		defer r.Close()
		head := make([]byte, len(lfsPointerPrefix))
		if _, err := io.ReadFull(r, head); err != nil {
			return nil
		}
		if string(head) == lfsPointerPrefix {
			pointers = append(pointers, f.Name)
		}
		return nil
	})
	sort.Strings(pointers)
	return pointers, err
}

func authFor(ref RepositoryRef) transport.AuthMethod {
	if !ref.Token.IsSet() {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: ref.Token.Value()}
}

// redactURL drops userinfo from a clone URL.
func redactURL(u string) string {
	ep, err := transport.NewEndpoint(u)
	if err != nil || (ep.User == "" && ep.Password == "") {
		return u
	}
	ep.User, ep.Password = "", ""
	return ep.String()
}

func collaboratorErr(op string, err error) error {
	return &pipeline.CollaboratorError{Collaborator: "source", Op: op, Err: err}
}
