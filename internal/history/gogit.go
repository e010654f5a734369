package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const isoDateLayout = "2006-01-02 15:04:05 -0700"

// GoGitBackend reads a repository in-process with go-git, so no git binary is required.
type GoGitBackend struct {
	root string
}

// NewGoGitBackend returns a backend over the repository whose worktree is root.
func NewGoGitBackend(root string) *GoGitBackend {
	return &GoGitBackend{root: root}
}

// Show returns the contents of relPath at ref, or empty bytes when the file
// did not exist at that revision.
func (b *GoGitBackend) Show(_ context.Context, ref, relPath string) ([]byte, error) {
	repo, err := git.PlainOpen(b.root)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %s: %w", ref, err)
	}
	commitObj, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref, err)
	}

	file, err := commitObj.File(filepath.ToSlash(relPath))
	if errors.Is(err, object.ErrFileNotFound) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit %s: %w", relPath, ref, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader: %w", err)
	}
	defer reader.Close()

	contents, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return contents, nil
}

// Log walks the history from HEAD newest first and renders it in LogFormat.
func (b *GoGitBackend) Log(ctx context.Context) ([]byte, error) {
	repo, err := git.PlainOpen(b.root)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	decorations, err := collectDecorations(repo, head)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	commits := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		subject, body := splitMessage(commitObj.Message)
		commits = append(commits, Commit{
			Hash:       commitObj.Hash.String(),
			Refs:       strings.Join(decorations[commitObj.Hash], ", "),
			AuthorName: commitObj.Author.Name,
			AuthorDate: commitObj.Author.When.Format(isoDateLayout),
			Subject:    subject,
			Body:       body,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return []byte(Format(commits)), nil
}

// collectDecorations mirrors git's %D: HEAD first, then branches, tags and
// remote-tracking branches.
func collectDecorations(repo *git.Repository, head *plumbing.Reference) (map[plumbing.Hash][]string, error) {
	branches := make(map[plumbing.Hash][]string)
	tags := make(map[plumbing.Hash][]string)
	remotes := make(map[plumbing.Hash][]string)

	refs, err := repo.References()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		switch {
		case name.IsBranch():
			if name == head.Name() {
				return nil
			}
			branches[ref.Hash()] = append(branches[ref.Hash()], name.Short())
		case name.IsTag():
			target := ref.Hash()
			if tagObj, err := repo.TagObject(target); err == nil {
				target = tagObj.Target
			}
			tags[target] = append(tags[target], "tag: "+name.Short())
		case name.IsRemote():
			remotes[ref.Hash()] = append(remotes[ref.Hash()], name.Short())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}

	decorations := make(map[plumbing.Hash][]string)
	if head.Name() == plumbing.HEAD {
		decorations[head.Hash()] = []string{"HEAD"}
	} else {
		decorations[head.Hash()] = []string{"HEAD -> " + head.Name().Short()}
	}
	for _, group := range []map[plumbing.Hash][]string{branches, tags, remotes} {
		for hash, names := range group {
			sort.Strings(names)
			decorations[hash] = append(decorations[hash], names...)
		}
	}
	return decorations, nil
}

// splitMessage separates the subject paragraph from the body like git's %s and %b.
func splitMessage(message string) (string, string) {
	trimmed := strings.TrimLeft(message, "\n")
	parts := strings.SplitN(trimmed, "\n\n", 2)
	subject := strings.Join(strings.Split(strings.TrimSpace(parts[0]), "\n"), " ")
	if len(parts) == 1 {
		return subject, ""
	}
	return subject, strings.TrimLeft(parts[1], "\n")
}
