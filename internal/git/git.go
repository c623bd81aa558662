// Package git runs the git CLI against a single repository. Every command
// targets the repository through "git -C <dir>" and folds stderr into the
// returned error.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ReviewPrefix is the branch namespace that holds review branches, named
// r/<base>/<description>.
const ReviewPrefix = "r/"

// Repository represents a git working tree at a specific directory.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command in the repository and returns stdout.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.Command(ctx, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Command returns an *exec.Cmd for a git command without running it.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", r.dir}, args...)
	return exec.CommandContext(ctx, "git", fullArgs...)
}

// RawDiffRange returns the diff of the history on head that is not on
// base, with contextLines lines of context around each change. Commits
// cherry-picked from head to base still appear since only the commit graph
// is considered. Renames are detected.
func (r *Repository) RawDiffRange(ctx context.Context, base, head string, contextLines int) (string, error) {
	return r.Run(ctx,
		"diff",
		"--no-color",
		"--no-ext-diff",
		"--unified="+strconv.Itoa(contextLines),
		base+"..."+head,
		"-M")
}

// StatRange returns the diffstat of the history on head that is not on base.
func (r *Repository) StatRange(ctx context.Context, base, head string) (string, error) {
	return r.Run(ctx, "diff", "--no-color", "--stat", base+"..."+head, "-M")
}

// Fetch updates the remote-tracking branches of remote, pruning deleted ones.
func (r *Repository) Fetch(ctx context.Context, remote string) error {
	_, err := r.Run(ctx, "fetch", "--prune", remote)
	return err
}

// RevParse resolves rev to a full object name.
func (r *Repository) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ReviewBranch is a remote branch in the review namespace.
type ReviewBranch struct {
	// Name is the remote-tracking name, e.g. origin/r/master/fix-login.
	Name        string
	Base        string
	Description string
	Head        string
}

// BaseRef is the remote-tracking name of the branch the review targets.
func (b ReviewBranch) BaseRef(remote string) string {
	return remote + "/" + b.Base
}

// ReviewBranches lists the review branches of remote. Branches that do
// not have both a base and a description are skipped.
func (r *Repository) ReviewBranches(ctx context.Context, remote string) ([]ReviewBranch, error) {
	prefix := "refs/remotes/" + remote + "/"
	pattern := strings.TrimSuffix(prefix+ReviewPrefix, "/")
	out, err := r.Run(ctx, "for-each-ref", "--format=%(objectname) %(refname)", pattern)
	if err != nil {
		return nil, err
	}

	var branches []ReviewBranch
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		head, ref, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		short := strings.TrimPrefix(ref, prefix)
		rest := strings.TrimPrefix(short, ReviewPrefix)
		slash := strings.LastIndex(rest, "/")
		if slash <= 0 || slash == len(rest)-1 {
			continue
		}
		branches = append(branches, ReviewBranch{
			Name:        remote + "/" + short,
			Base:        rest[:slash],
			Description: rest[slash+1:],
			Head:        head,
		})
	}
	return branches, nil
}

// TrackedFiles lists the files tracked at HEAD.
func (r *Repository) TrackedFiles(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "ls-tree", "-r", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ChangedSince lists the files touched in commit...HEAD.
func (r *Repository) ChangedSince(ctx context.Context, commit string) ([]string, error) {
	out, err := r.Run(ctx, "diff", commit+"...", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// FirstCommitTime returns the commit time of the oldest commit touching
// path, following copies and renames.
func (r *Repository) FirstCommitTime(ctx context.Context, path string) (time.Time, error) {
	out, err := r.Run(ctx, "log", "--format=%ct", "--follow", "--find-copies=95", "--find-renames=80", "--", path)
	if err != nil {
		return time.Time{}, err
	}
	lines := splitLines(out)
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("no history for %s", path)
	}
	return parseUnix(lines[len(lines)-1])
}

// LastCommitTime returns the commit time of the newest commit touching path.
func (r *Repository) LastCommitTime(ctx context.Context, path string) (time.Time, error) {
	out, err := r.Run(ctx, "log", "-1", "--format=%ct", "--", path)
	if err != nil {
		return time.Time{}, err
	}
	lines := splitLines(out)
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("no history for %s", path)
	}
	return parseUnix(lines[0])
}

func parseUnix(s string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", s, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
