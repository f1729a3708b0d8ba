package fetch

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content should be excluded.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
}

// headingPrefix marks headings so the model can see page structure.
var headingPrefix = map[atom.Atom]string{
	atom.H1: "# ",
	atom.H2: "## ",
	atom.H3: "### ",
}

type page struct {
	title       string
	description string
	text        string
	links       []string
}

type extractor struct {
	base  *url.URL
	page  page
	text  strings.Builder
	seen  map[string]bool
	inPre bool
}

// extractHTML parses raw HTML and returns its readable parts. Relative
// links are resolved against base.
func extractHTML(raw string, base *url.URL) page {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return page{text: cleanWhitespace(raw)}
	}
	e := &extractor{base: base, seen: make(map[string]bool)}
	e.walk(doc)
	e.page.text = cleanWhitespace(e.text.String())
	return e.page
}

func (e *extractor) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if e.page.title == "" {
				e.page.title = strings.TrimSpace(textContent(n))
			}
			return
		case atom.Meta:
			e.meta(n)
			return
		case atom.A:
			e.link(n)
		case atom.Pre:
			e.inPre = true
			defer func() { e.inPre = false }()
		}
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && e.text.Len() > 0 {
			e.text.WriteString("\n\n")
		}
		if p, ok := headingPrefix[n.DataAtom]; ok {
			e.text.WriteString(p)
		}
	}

	if n.Type == html.TextNode {
		if e.inPre {
			e.text.WriteString(n.Data)
		} else if t := strings.TrimSpace(n.Data); t != "" {
			e.text.WriteString(t)
			e.text.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		e.text.WriteString("\n")
	}
}

func (e *extractor) meta(n *html.Node) {
	name := strings.ToLower(attr(n, "name"))
	if name == "" {
		name = strings.ToLower(attr(n, "property"))
	}
	if (name == "description" || name == "og:description") && e.page.description == "" {
		e.page.description = strings.TrimSpace(attr(n, "content"))
	}
}

func (e *extractor) link(n *html.Node) {
	if len(e.page.links) >= MaxLinks {
		return
	}
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return
	}
	u, err := url.Parse(href)
	if err != nil {
		return
	}
	if e.base != nil {
		u = e.base.ResolveReference(u)
	}
	u.Fragment = ""
	s := u.String()
	if e.seen[s] {
		return
	}
	e.seen[s] = true
	e.page.links = append(e.page.links, s)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent returns concatenated text of all children.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// isBlockElement returns true for elements that typically render as blocks.
func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and runs of
// blank lines.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	prevEmpty := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
