// Package gitclient implements the sandbox git client: checkout() shells
// out to the git binary and never links a Go git implementation — git is
// invoked as a subprocess per the control plane's external process
// contract.
package gitclient

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/security"
)

// Options configures a single checkout.
type Options struct {
	Branch      string
	TargetDir   string // defaults to /workspace/{repoName} when empty
	Depth       int    // must be > 0 when provided
	SessionID   string
	EnforcePolicy bool // external HTTP callers must set this true
}

// Result describes a completed checkout.
type Result struct {
	TargetDir string `json:"targetDir"`
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commitSha,omitempty"`
}

var shellMetacharacters = regexp.MustCompile(`[;&|$` + "`" + `<>(){}\n]`)

// validateURL enforces the external-caller URL policy: https/ssh scheme
// only, no shell metacharacters. file:// and ftp:// are rejected.
func validateURL(repoURL string) error {
	if shellMetacharacters.MatchString(repoURL) {
		return apperr.SecurityViolation(400, apperr.ViolationMaliciousURL, security.RedactURLCredentials(repoURL), "url contains shell metacharacters")
	}

	// scp-like syntax (git@host:org/repo.git) has no scheme but is a
	// legitimate ssh transport.
	if isSCPLikeSSH(repoURL) {
		return nil
	}

	u, err := url.Parse(repoURL)
	if err != nil {
		return apperr.SecurityViolation(400, apperr.ViolationMaliciousURL, security.RedactURLCredentials(repoURL), "url could not be parsed")
	}
	switch u.Scheme {
	case "https", "ssh":
		return nil
	default:
		return apperr.SecurityViolation(400, apperr.ViolationMaliciousURL, security.RedactURLCredentials(repoURL), fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
}

var scpLikePattern = regexp.MustCompile(`^[\w.-]+@[\w.-]+:[\w./-]+$`)

func isSCPLikeSSH(repoURL string) bool {
	return scpLikePattern.MatchString(repoURL)
}

// ExtractRepoName derives the bare repo name from a URL, stripping any
// trailing ".git".
func ExtractRepoName(repoURL string) string {
	trimmed := strings.TrimSuffix(repoURL, "/")
	var base string
	if idx := strings.LastIndexByte(trimmed, ':'); isSCPLikeSSH(repoURL) && idx >= 0 {
		base = path.Base(trimmed[idx+1:])
	} else {
		base = path.Base(trimmed)
	}
	return strings.TrimSuffix(base, ".git")
}

// Client runs git as a subprocess under a sandbox workspace.
type Client struct {
	workspace string
}

// New creates a Client rooted at workspace (used to compute default
// target directories).
func New(workspace string) *Client {
	return &Client{workspace: workspace}
}

// Checkout clones repoURL, optionally at a specific branch/depth, into
// opts.TargetDir (or a workspace-derived default).
func (c *Client) Checkout(ctx context.Context, repoURL string, opts Options) (Result, error) {
	if opts.EnforcePolicy {
		if err := validateURL(repoURL); err != nil {
			return Result{}, err
		}
	}
	if opts.Depth < 0 {
		return Result{}, apperr.Validation("depth must be a positive integer when provided")
	}

	targetDir := opts.TargetDir
	if targetDir == "" {
		targetDir = path.Join(c.workspace, ExtractRepoName(repoURL))
	}

	args := []string{"clone"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch, "--single-branch")
	}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	args = append(args, repoURL, targetDir)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, classifyGitError(stderr.String(), opts.Branch)
	}

	sha, _ := c.revParse(ctx, targetDir)
	return Result{TargetDir: targetDir, Branch: opts.Branch, CommitSHA: sha}, nil
}

func (c *Client) revParse(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// classifyGitError maps git's stderr text to the typed error taxonomy.
func classifyGitError(stderr, branch string) error {
	redacted := security.RedactURLCredentials(stderr)
	lower := strings.ToLower(redacted)

	switch {
	case strings.Contains(lower, "repository not found"), strings.Contains(lower, "does not exist"):
		return apperr.WithCode(apperr.CodeGitRepositoryNotFound, 404, "repository not found")
	case branch != "" && (strings.Contains(lower, "remote branch") || strings.Contains(lower, "couldn't find remote ref")):
		return apperr.WithCode(apperr.CodeGitBranchNotFound, 404, fmt.Sprintf("branch %q not found", branch))
	case strings.Contains(lower, "authentication failed"), strings.Contains(lower, "permission denied (publickey)"), strings.Contains(lower, "could not read username"):
		return apperr.WithCode(apperr.CodeGitAuthenticationError, 401, "git authentication failed")
	case strings.Contains(lower, "could not resolve host"), strings.Contains(lower, "network is unreachable"), strings.Contains(lower, "connection timed out"):
		return apperr.WithCode(apperr.CodeGitNetworkError, 502, "git network error")
	default:
		return apperr.WithCode(apperr.CodeGitCloneError, 500, fmt.Sprintf("git clone failed: %s", strings.TrimSpace(redacted)))
	}
}
