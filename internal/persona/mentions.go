package persona

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// mentionRE matches @Name not preceded by a word character, '@' or '.',
// so e-mail addresses are not mistaken for mentions.
var mentionRE = regexp.MustCompile(`(?:^|[^\w@.])@([A-Za-z][\w-]*)`)

var md = goldmark.New()

// Mentions returns the distinct personas addressed with @Name in src,
// in order of first appearance. Mentions inside code spans, code blocks
// and raw HTML are ignored, as are names not in the registry and the
// excluded persona (normally the author of src).
func (r *Registry) Mentions(src, exclude string) []string {
	if !strings.Contains(src, "@") {
		return nil
	}
	excludeKey := strings.ToLower(exclude)

	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionRE.FindAllStringSubmatch(proseText(src), -1) {
		name := strings.TrimRight(m[1], "-_")
		key := strings.ToLower(name)
		if seen[key] || key == excludeKey {
			continue
		}
		p, ok := r.Get(name)
		if !ok {
			continue
		}
		seen[key] = true
		out = append(out, p.Name)
	}
	return out
}

// proseText renders the markdown source to plain text with code and raw
// HTML removed. Block boundaries and line breaks become newlines.
func proseText(src string) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n.Kind() {
		case ast.KindCodeSpan, ast.KindCodeBlock, ast.KindFencedCodeBlock,
			ast.KindHTMLBlock, ast.KindRawHTML:
			if entering {
				sb.WriteString(" ")
			}
			return ast.WalkSkipChildren, nil
		}
		if !entering {
			if n.Type() == ast.TypeBlock {
				sb.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}
