// Package git shells out to the git binary for repository checkouts.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CloneOptions select what to check out.
type CloneOptions struct {
	Branch string
	Commit string
}

// Clone checks the repository out into dest. Clones are shallow unless a
// pinned commit forces a full fetch, and git never prompts for
// credentials.
func Clone(ctx context.Context, repoURL, dest string, opts CloneOptions) error {
	if strings.TrimSpace(repoURL) == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}

	args := []string{"clone"}
	if opts.Commit == "" {
		args = append(args, "--depth", "1")
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, repoURL, ".")

	if err := run(ctx, dest, args...); err != nil {
		return err
	}
	if opts.Commit != "" {
		if err := run(ctx, dest, "checkout", "--detach", opts.Commit); err != nil {
			return err
		}
	}
	return nil
}

// HeadCommit returns the checked-out commit hash.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w: %s", args[0], err, string(output))
	}
	return nil
}
