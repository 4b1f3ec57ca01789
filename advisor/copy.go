package advisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CopyFileToDir copies srcPath into dstDir under the same base name and keeps
// the source modification time. The source is never modified.
func CopyFileToDir(srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: not a regular file", srcPath)
	}
	dstPath := filepath.Join(dstDir, filepath.Base(srcPath))

	in, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dstPath)
		return "", copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dstPath)
		return "", closeErr
	}
	_ = os.Chtimes(dstPath, info.ModTime(), info.ModTime())
	return dstPath, nil
}
