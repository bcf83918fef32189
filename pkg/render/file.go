package render

import (
	"fmt"
	"strings"
)

// RenderedFile describes a file the deployer must write, together with the
// assertions its content satisfies.
type RenderedFile struct {
	Path    string
	Content string
	Owner   string
	Group   string
	Mode    string

	// MustContain lists substrings the content is required to hold.
	MustContain []string
	// ForbiddenLinePrefixes lists line prefixes no line may start with once
	// indentation is trimmed. Conditional blocks use this to prove the block
	// was not emitted at all without tripping over values that merely
	// mention the same words.
	ForbiddenLinePrefixes []string
}

// Verify checks the content against the file's assertions.
func (f *RenderedFile) Verify() error {
	var problems []string
	for _, s := range f.MustContain {
		if !strings.Contains(f.Content, s) {
			problems = append(problems, fmt.Sprintf("missing %q", s))
		}
	}
	for _, prefix := range f.ForbiddenLinePrefixes {
		if line, ok := f.lineWithPrefix(prefix); ok {
			problems = append(problems, fmt.Sprintf("unexpected line %q", line))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %s", f.Path, strings.Join(problems, "; "))
	}
	return nil
}

func (f *RenderedFile) lineWithPrefix(prefix string) (string, bool) {
	for _, l := range strings.Split(f.Content, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, prefix) {
			return l, true
		}
	}
	return "", false
}

// HasLine reports whether line appears as a complete line of the content.
func (f *RenderedFile) HasLine(line string) bool {
	for _, l := range strings.Split(f.Content, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
