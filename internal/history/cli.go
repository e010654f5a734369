package history

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// CLIBackend shells out to the git binary.
type CLIBackend struct {
	root   string
	gitBin string
	logger *zap.Logger
}

// NewCLIBackend returns a backend running gitBin inside root.
func NewCLIBackend(root, gitBin string, logger *zap.Logger) *CLIBackend {
	if gitBin == "" {
		gitBin = "git"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIBackend{root: root, gitBin: gitBin, logger: logger}
}

// Show runs `git show <ref>:<path>` and returns stdout as is. A failing
// command is not an error here: whatever git printed, possibly nothing, is
// the file content.
func (b *CLIBackend) Show(ctx context.Context, ref, relPath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.gitBin, "show", ref+":"+filepath.ToSlash(relPath))
	cmd.Dir = b.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("run git show: %w", err)
		}
		b.logger.Debug("git show reported failure",
			zap.String("ref", ref),
			zap.String("path", relPath),
			zap.String("stderr", stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Log runs git log with LogFormat.
func (b *CLIBackend) Log(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.gitBin, "log", "--date=iso", "--pretty=format:"+LogFormat)
	cmd.Dir = b.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run git log: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return output, nil
}
