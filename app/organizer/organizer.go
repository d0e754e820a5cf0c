// Package organizer places completed downloads into their final classified
// location. The download manager calls Organize exactly once per successful
// transfer.
package organizer

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/qiyuelian/caijibot/app/database"
)

type Organizer interface {
	Organize(item *database.Item, tempPath string) (string, error)
}

var _ Organizer = (*FileOrganizer)(nil)

// FileOrganizer moves files under <root>/<channel>/<kind>/<name>.
type FileOrganizer struct {
	root string
}

func NewFileOrganizer(root string) *FileOrganizer {
	return &FileOrganizer{root: root}
}

func (o *FileOrganizer) Organize(item *database.Item, tempPath string) (string, error) {
	dir := filepath.Join(o.root, item.ChannelID, string(item.MediaKind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	// The file name is platform-supplied; strip any path components so it
	// cannot escape the download root.
	name := filepath.Base(item.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) || name == ".." {
		name = filepath.Base(tempPath)
	}
	finalPath := uniquePath(filepath.Join(dir, name))

	if err := os.Rename(tempPath, finalPath); err != nil {
		// Rename fails across filesystems; fall back to copy+remove.
		if copyErr := copyFile(tempPath, finalPath); copyErr != nil {
			return "", fmt.Errorf("failed to place file: %w", copyErr)
		}
		if rmErr := os.Remove(tempPath); rmErr != nil {
			slog.Warn("Failed to remove temp file after copy", "path", tempPath, "error", rmErr)
		}
	}

	slog.Debug("File organized", "item", item.ID, "path", finalPath)
	return finalPath, nil
}

// uniquePath appends a numeric suffix when the target name is taken.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
