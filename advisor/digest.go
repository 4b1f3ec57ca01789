package advisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// MaxQueriesPerDatabase caps each database's list after deduplication.
const MaxQueriesPerDatabase = 10

// selectOnlyFilter keeps only events whose statement starts with SELECT.
const selectOnlyFilter = `($event->{arg} =~ m/^SELECT/i)`

// DigestRunner produces the ranked textual digest report for a combined log.
type DigestRunner interface {
	Report(ctx context.Context, logPath string) ([]byte, error)
}

// DigestTool runs pt-query-digest (or a compatible executable).
type DigestTool struct {
	Path string
	TopN int
}

// Check resolves the executable on PATH.
func (t DigestTool) Check() error {
	if _, err := exec.LookPath(t.Path); err != nil {
		return &DigestToolError{Tool: t.Path, Err: fmt.Errorf("not found in PATH, install Percona Toolkit: %w", err)}
	}
	return nil
}

func (t DigestTool) Args(logPath string) []string {
	n := t.TopN
	if n <= 0 {
		n = DefaultTopN
	}
	return []string{
		"--group-by", "fingerprint",
		"--order-by", "Query_time:sum",
		"--limit=" + strconv.Itoa(n),
		"--filter", selectOnlyFilter,
		logPath,
	}
}

func (t DigestTool) Report(ctx context.Context, logPath string) ([]byte, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Path, t.Args(logPath)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &DigestToolError{Tool: t.Path, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// DatabaseQueries is one database's ranked, deduplicated SELECT list.
type DatabaseQueries struct {
	Database string
	Queries  []string
}

// QuerySet maps database names to query lists in first-seen order. It
// marshals to a JSON object whose key order is preserved.
type QuerySet []DatabaseQueries

func (qs QuerySet) Len() int {
	n := 0
	for _, d := range qs {
		n += len(d.Queries)
	}
	return n
}

func (qs QuerySet) Lookup(db string) []string {
	for _, d := range qs {
		if d.Database == db {
			return d.Queries
		}
	}
	return nil
}

func (qs QuerySet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, d := range qs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(d.Database)
		if err != nil {
			return nil, err
		}
		queries := d.Queries
		if queries == nil {
			queries = []string{}
		}
		v, err := json.Marshal(queries)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (qs *QuerySet) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("query set: expected object, got %v", tok)
	}
	var out QuerySet
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("query set: expected key, got %v", tok)
		}
		var queries []string
		if err := dec.Decode(&queries); err != nil {
			return fmt.Errorf("query set %q: %w", name, err)
		}
		out = append(out, DatabaseQueries{Database: name, Queries: queries})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*qs = out
	return nil
}

var databasesMarker = regexp.MustCompile(`Databases\s+(\S+)`)

type parseState int

const (
	noDatabaseContext parseState = iota
	inDatabaseContext
)

type digestParser struct {
	state     parseState
	current   int
	fragments []string
	seen      []map[string]struct{}
	out       QuerySet
}

func (p *digestParser) switchDatabase(name string) {
	p.state = inDatabaseContext
	p.fragments = p.fragments[:0]
	for i, d := range p.out {
		if d.Database == name {
			p.current = i
			return
		}
	}
	p.out = append(p.out, DatabaseQueries{Database: name})
	p.seen = append(p.seen, map[string]struct{}{})
	p.current = len(p.out) - 1
}

func (p *digestParser) line(raw string) {
	line := strings.TrimSpace(raw)
	if m := databasesMarker.FindStringSubmatch(line); m != nil {
		p.switchDatabase(m[1])
		return
	}
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	p.fragments = append(p.fragments, line)
	if !endsStatement(line) {
		return
	}
	query := NormalizeQuery(strings.Join(p.fragments, " "))
	p.fragments = p.fragments[:0]
	if p.state == noDatabaseContext || query == "" || !isSelect(query) {
		return
	}
	key := queryKey(query)
	if _, dup := p.seen[p.current][key]; dup {
		return
	}
	p.seen[p.current][key] = struct{}{}
	p.out[p.current].Queries = append(p.out[p.current].Queries, query)
}

// ParseDigestReport turns a digest report into per-database SELECT lists.
// Lists are deduplicated first and then truncated to limit, so the report's
// own ranking decides which queries survive.
func ParseDigestReport(r io.Reader, limit int) (QuerySet, error) {
	if limit <= 0 || limit > MaxQueriesPerDatabase {
		limit = MaxQueriesPerDatabase
	}
	p := &digestParser{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		p.line(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read digest report: %w", err)
	}
	for i := range p.out {
		if len(p.out[i].Queries) > limit {
			p.out[i].Queries = p.out[i].Queries[:limit]
		}
	}
	return p.out, nil
}

// WriteExtraction persists the query set as indented JSON.
func WriteExtraction(path string, qs QuerySet) error {
	b, err := json.MarshalIndent(qs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func ReadExtraction(path string) (QuerySet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var qs QuerySet
	if err := json.Unmarshal(b, &qs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return qs, nil
}

// ExtractQueries runs the digest tool and writes the extraction artifact. No
// artifact is written when the tool fails.
func ExtractQueries(ctx context.Context, tool DigestRunner, logPath, artifactPath string, limit int) (QuerySet, error) {
	report, err := tool.Report(ctx, logPath)
	if err != nil {
		var dte *DigestToolError
		if !errors.As(err, &dte) {
			err = &DigestToolError{Tool: "digest", Err: err}
		}
		return nil, err
	}
	qs, err := ParseDigestReport(bytes.NewReader(report), limit)
	if err != nil {
		return nil, err
	}
	if err := WriteExtraction(artifactPath, qs); err != nil {
		return nil, fmt.Errorf("write extraction: %w", err)
	}
	return qs, nil
}
