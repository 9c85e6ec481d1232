package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Compile-time check that GHHost implements HostCLI.
var _ HostCLI = (*GHHost)(nil)

// GHHost implements HostCLI by shelling out to a gh-compatible binary.
type GHHost struct {
	binary string
}

// NewGHHost creates a GHHost. binary defaults to "gh".
func NewGHHost(binary string) *GHHost {
	if binary == "" {
		binary = "gh"
	}
	return &GHHost{binary: binary}
}

func (h *GHHost) run(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, h.binary, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", h.binary, strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CreatePR opens a pull request for branch against base and returns its URL.
func (h *GHHost) CreatePR(ctx context.Context, workDir, branch, base, title, body string) (string, error) {
	return h.run(ctx, workDir, "pr", "create",
		"--head", branch, "--base", base, "--title", title, "--body", body)
}

// MergePR merges the pull request for branch.
func (h *GHHost) MergePR(ctx context.Context, workDir, branch string) error {
	_, err := h.run(ctx, workDir, "pr", "merge", branch, "--squash", "--delete-branch")
	return err
}

// PostComment posts a review comment on the pull request for branch.
func (h *GHHost) PostComment(ctx context.Context, workDir, branch, body string) error {
	_, err := h.run(ctx, workDir, "pr", "comment", branch, "--body", body)
	return err
}
