// Package gitops records rendered configuration changes as a commit in
// the local versioned directory. Capture is best-effort: the bring-up
// never fails because of it.
package gitops

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog/log"
)

const commitMessage = "chore: agent bootstrap - rendered pipeline configs"

// Capture commits the given paths in the repository at dir when HEAD is
// the expected branch and the worktree has changes under those paths.
// Returns (committed, err); callers treat every outcome short of a
// commit as a skip.
func Capture(dir, branch string, paths []string) (bool, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("open repository %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		return false, fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return false, fmt.Errorf("HEAD is detached (%s)", head.Hash())
	}
	if current := head.Name().Short(); current != branch {
		return false, fmt.Errorf("on branch %q, expected %q", current, branch)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}

	staged := 0
	var rels []string
	for _, p := range paths {
		rel, err := relPath(dir, p)
		if err != nil {
			log.Warn().Str("path", p).Err(err).Msg("change capture: path outside repository, skipping")
			continue
		}
		if _, err := wt.Add(rel); err != nil {
			log.Warn().Str("path", rel).Err(err).Msg("change capture: add failed")
			continue
		}
		rels = append(rels, rel)
		staged++
	}
	if staged == 0 {
		return false, nil
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	changed := false
	for _, rel := range rels {
		if fs, ok := status[rel]; ok && fs.Staging != git.Unmodified {
			changed = true
		}
	}
	if !changed {
		return false, nil
	}

	commit, err := wt.Commit(commitMessage, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "ids2-agent",
			Email: "ids2-agent@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	log.Info().Str("commit", commit.String()).Int("files", staged).Msg("rendered configs committed")
	return true, nil
}

func relPath(dir, p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absDir, abs)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", p, dir)
	}
	return filepath.ToSlash(rel), nil
}
