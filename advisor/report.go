package advisor

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Separator closes the header and every suggestion block.
var Separator = strings.Repeat("*", 60)

// Suggestion is produced once per query and never updated.
type Suggestion struct {
	Database string
	Query    string
	Plan     string
	Text     string
}

// RenderReport builds the markdown document in encounter order.
func RenderReport(host string, suggestions []Suggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Slow query suggestion for server %s\n\n", host)
	b.WriteString("### Note: The below AI-generated query optimization suggestions are for guidance only. ")
	b.WriteString("Please validate in a test environment before applying to production systems.\n")
	b.WriteString(Separator + "\n\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "**DB:%s Query:**\n %s\n\n%s\n%s\n", s.Database, s.Query, strings.TrimSpace(s.Text), Separator)
	}
	return b.String()
}

// WriteReport writes the rendered document to an intermediate file, rewrites
// it with trailing whitespace trimmed and "\n" line endings into path, and
// returns the final size.
func WriteReport(path, tmpPath, host string, suggestions []Suggestion) (int64, error) {
	if err := os.WriteFile(tmpPath, []byte(RenderReport(host, suggestions)), 0o644); err != nil {
		return 0, err
	}
	defer os.Remove(tmpPath)
	if err := normalizeLines(tmpPath, path); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func normalizeLines(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		w.WriteString(strings.TrimRightFunc(sc.Text(), unicode.IsSpace))
		w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		out.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
