package proposal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Applier carries out an approved proposal.
type Applier interface {
	Apply(ctx context.Context, p Proposal) (string, error)
}

// DryRunApplier reports what would be written without touching disk.
type DryRunApplier struct{}

func (DryRunApplier) Apply(_ context.Context, p Proposal) (string, error) {
	return fmt.Sprintf("[DRY RUN] would write %d bytes to %s", len(p.Content), p.FileTarget), nil
}

// #region file-applier
// FileApplier writes the proposed content to the target under Root through a
// temp file and rename, so a reader never sees a partial file.
type FileApplier struct {
	Root string
}

func (a FileApplier) Apply(ctx context.Context, p Proposal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := a.resolve(p.FileTarget)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("target dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".evoloop-*")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(p.Content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(p.Content), target), nil
}

func (a FileApplier) resolve(target string) (string, error) {
	root, err := filepath.Abs(a.Root)
	if err != nil {
		return "", fmt.Errorf("apply root: %w", err)
	}
	full := target
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, target)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, target)
	}
	return full, nil
}

// #endregion file-applier
