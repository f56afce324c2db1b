// ABOUTME: Renders agent markdown replies as styled terminal text.
// ABOUTME: Walks the goldmark AST and maps block and inline nodes to colored plain text.

package render

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	headingStyle = color.New(color.FgCyan, color.Bold)
	strongStyle  = color.New(color.Bold)
	emStyle      = color.New(color.Italic)
	codeStyle    = color.New(color.FgYellow)
	linkStyle    = color.New(color.FgBlue, color.Underline)
	quoteStyle   = color.New(color.FgHiBlack)
)

const ruleWidth = 40

// Markdown renders src for display in a terminal.
func Markdown(src string) string {
	source := []byte(src)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))
	r := &renderer{source: source}
	return r.children(doc, "\n\n")
}

type renderer struct {
	source []byte
}

func (r *renderer) children(n ast.Node, sep string) string {
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if s := r.block(c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (r *renderer) block(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Heading:
		return headingStyle.Sprint(r.inlines(n))

	case *ast.Paragraph, *ast.TextBlock:
		return r.inlines(n)

	case *ast.List:
		num := n.Start
		var items []string
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			marker := "- "
			if n.IsOrdered() {
				marker = fmt.Sprintf("%d. ", num)
				num++
			}
			body := r.children(item, "\n")
			items = append(items, prefixLines(body, marker, strings.Repeat(" ", len(marker))))
		}
		return strings.Join(items, "\n")

	case *ast.Blockquote:
		bar := quoteStyle.Sprint("│") + " "
		return prefixLines(r.children(n, "\n\n"), bar, bar)

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		lines := r.lines(n)
		for i, l := range lines {
			lines[i] = "  " + codeStyle.Sprint(l)
		}
		return strings.Join(lines, "\n")

	case *ast.HTMLBlock:
		return strings.Join(r.lines(n), "\n")

	case *ast.ThematicBreak:
		return quoteStyle.Sprint(strings.Repeat("─", ruleWidth))

	default:
		return r.children(n, "\n\n")
	}
}

func (r *renderer) lines(n ast.Node) []string {
	segs := n.Lines()
	out := make([]string, 0, segs.Len())
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		out = append(out, strings.TrimRight(string(seg.Value(r.source)), "\r\n"))
	}
	return out
}

func (r *renderer) inlines(n ast.Node) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		r.inline(&b, c)
	}
	return b.String()
}

func (r *renderer) inline(b *strings.Builder, n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		b.Write(n.Segment.Value(r.source))
		if n.SoftLineBreak() || n.HardLineBreak() {
			b.WriteByte('\n')
		}

	case *ast.String:
		b.Write(n.Value)

	case *ast.CodeSpan:
		b.WriteString(codeStyle.Sprint(r.inlines(n)))

	case *ast.Emphasis:
		if n.Level >= 2 {
			b.WriteString(strongStyle.Sprint(r.inlines(n)))
		} else {
			b.WriteString(emStyle.Sprint(r.inlines(n)))
		}

	case *ast.Link:
		label := r.inlines(n)
		b.WriteString(linkStyle.Sprint(label))
		if dest := string(n.Destination); dest != label {
			b.WriteString(" (" + dest + ")")
		}

	case *ast.AutoLink:
		b.WriteString(linkStyle.Sprint(string(n.URL(r.source))))

	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			b.Write(seg.Value(r.source))
		}

	default:
		b.WriteString(r.inlines(n))
	}
}

// prefixLines puts first before the first line of s and rest before every
// following line.
func prefixLines(s, first, rest string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if i == 0 {
			lines[i] = first + l
		} else {
			lines[i] = rest + l
		}
	}
	return strings.Join(lines, "\n")
}
