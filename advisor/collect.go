package advisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const dateStampLayout = "20060102"

type CollectOptions struct {
	// Day selects rotated files whose name contains its YYYYMMDD stamp.
	Day time.Time
	// ScratchDir is wiped, recreated, and always removed before returning.
	ScratchDir   string
	CombinedPath string
}

type CollectResult struct {
	CombinedPath string
	Version      string
	Files        []string
	Bytes        int64
}

// CollectSlowLogs gathers the server's rotated slow logs for opts.Day into one
// plain text file and reads the server version.
func CollectSlowLogs(ctx context.Context, sess Session, opts CollectOptions, log *zap.Logger) (CollectResult, error) {
	slowLogPath, err := sess.GlobalVariable(ctx, "slow_query_log_file")
	if err != nil {
		return CollectResult{}, err
	}
	if slowLogPath == "" {
		return CollectResult{}, &ConfigError{Err: fmt.Errorf("server has no slow_query_log_file configured")}
	}
	logDir := filepath.Dir(slowLogPath)
	stamp := opts.Day.Format(dateStampLayout)

	matches, err := rotatedLogs(logDir, stamp)
	if err != nil {
		return CollectResult{}, err
	}
	if len(matches) == 0 {
		return CollectResult{}, &NoLogsFoundError{Dir: logDir, Stamp: stamp}
	}

	if err := os.RemoveAll(opts.ScratchDir); err != nil {
		return CollectResult{}, fmt.Errorf("reset scratch dir: %w", err)
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return CollectResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(opts.ScratchDir); err != nil {
			log.Warn("remove scratch dir", zap.String("dir", opts.ScratchDir), zap.Error(err))
		}
	}()

	copied := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		dst, err := CopyFileToDir(m, opts.ScratchDir)
		if err != nil {
			return CollectResult{}, fmt.Errorf("copy %s: %w", m, err)
		}
		copied = append(copied, dst)
	}
	sort.Strings(copied)
	log.Info("slow logs copied", zap.String("dir", logDir), zap.String("stamp", stamp), zap.Int("files", len(copied)))

	res := CollectResult{CombinedPath: opts.CombinedPath}
	out, err := os.Create(opts.CombinedPath)
	if err != nil {
		return CollectResult{}, err
	}
	w := bufio.NewWriter(out)
	for _, p := range copied {
		if !strings.HasSuffix(p, ".gz") {
			continue
		}
		n, err := appendGzip(w, p)
		res.Bytes += n
		if err != nil {
			log.Error("failed to read slow log", zap.String("file", filepath.Base(p)), zap.Error(err))
			continue
		}
		res.Files = append(res.Files, filepath.Base(p))
	}
	flushErr := w.Flush()
	closeErr := out.Close()
	if flushErr != nil || closeErr != nil {
		_ = os.Remove(opts.CombinedPath)
		if flushErr != nil {
			return CollectResult{}, flushErr
		}
		return CollectResult{}, closeErr
	}
	log.Info("slow logs combined",
		zap.String("path", opts.CombinedPath),
		zap.Strings("members", res.Files),
		zap.String("size", humanize.Bytes(uint64(res.Bytes))))

	res.Version, err = sess.GlobalVariable(ctx, "version")
	if err != nil {
		_ = os.Remove(opts.CombinedPath)
		return CollectResult{}, err
	}
	return res, nil
}

// appendGzip streams one compressed member into w. Invalid UTF-8 is replaced
// with U+FFFD rather than failing the file.
func appendGzip(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	text := transform.NewReader(zr, unicode.UTF8.NewDecoder())
	return io.Copy(w, text)
}

// rotatedLogs lists the entries of dir whose name contains stamp. The
// directory path is taken literally, so glob characters in it are harmless.
func rotatedLogs(dir, stamp string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.Contains(e.Name(), stamp) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}
