// ABOUTME: Markdown to plain text conversion over the goldmark AST
// ABOUTME: Keeps structure (paragraphs, lists, code) and drops inline markup

package render

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Markdown flattens markdown source into plain text. Blocks are separated by
// a blank line and trailing whitespace is trimmed.
func Markdown(src string) string {
	return plain.Markdown(src)
}

var plain = New()

// Markdown flattens src using the renderer's parser.
func (r *Renderer) Markdown(src string) string {
	source := []byte(src)
	doc := r.md.Parser().Parse(text.NewReader(source))

	w := &writer{source: source}
	w.blocks(doc, "")
	return strings.TrimRight(w.buf.String(), " \n")
}

type writer struct {
	source []byte
	buf    bytes.Buffer
}

// blocks writes each block child of n, prefixing every line with indent.
func (w *writer) blocks(n ast.Node, indent string) {
	sep := !inTightList(n)
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if sep && c != n.FirstChild() {
			w.buf.WriteString("\n")
		}
		w.block(c, indent)
	}
}

func inTightList(n ast.Node) bool {
	if _, ok := n.(*ast.ListItem); !ok {
		return false
	}
	l, ok := n.Parent().(*ast.List)
	return ok && l.IsTight
}

func (w *writer) block(n ast.Node, indent string) {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		w.lines(w.inline(n), indent)
	case *ast.Heading:
		w.lines(w.inline(n), indent)
	case *ast.ThematicBreak:
		w.lines("---", indent)
	case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock:
		w.lines(strings.TrimRight(w.raw(n.Lines()), "\n"), indent+"    ")
	case *ast.Blockquote:
		w.blocks(n, indent+"> ")
	case *ast.List:
		w.list(n, indent)
	default:
		w.blocks(n, indent)
	}
}

func (w *writer) list(l *ast.List, indent string) {
	num := l.Start
	first := true
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if !first && !l.IsTight {
			w.buf.WriteString("\n")
		}
		first = false

		marker := "- "
		if l.IsOrdered() {
			marker = strconv.Itoa(num) + ". "
			num++
		}

		// Render the item into its own writer so the first line carries the
		// marker and the rest align under it.
		sub := &writer{source: w.source}
		sub.blocks(item, "")
		body := strings.TrimRight(sub.buf.String(), "\n")
		pad := strings.Repeat(" ", len(marker))
		for i, line := range strings.Split(body, "\n") {
			prefix := indent + pad
			if i == 0 {
				prefix = indent + marker
			}
			w.line(prefix, line)
		}
	}
}

// lines writes s line by line with indent in front.
func (w *writer) lines(s, indent string) {
	for _, line := range strings.Split(s, "\n") {
		w.line(indent, line)
	}
}

func (w *writer) line(indent, line string) {
	w.buf.WriteString(strings.TrimRight(indent+line, " "))
	w.buf.WriteString("\n")
}

func (w *writer) raw(segs *text.Segments) string {
	var b strings.Builder
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		b.Write(seg.Value(w.source))
	}
	return b.String()
}

// inline flattens the inline children of n.
func (w *writer) inline(n ast.Node) string {
	var b strings.Builder
	w.inlineInto(&b, n)
	return b.String()
}

func (w *writer) inlineInto(b *strings.Builder, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			b.Write(c.Segment.Value(w.source))
			switch {
			case c.HardLineBreak(), c.SoftLineBreak():
				b.WriteString("\n")
			}
		case *ast.String:
			b.Write(c.Value)
		case *ast.AutoLink:
			b.Write(c.URL(w.source))
		case *ast.Link:
			label := w.inline(c)
			dest := string(c.Destination)
			b.WriteString(label)
			if dest != "" && dest != label {
				b.WriteString(" (" + dest + ")")
			}
		case *ast.Image:
			alt := w.inline(c)
			if alt == "" {
				alt = "image"
			}
			b.WriteString("[" + alt + "] (" + string(c.Destination) + ")")
		case *ast.RawHTML:
			b.WriteString(w.raw(c.Segments))
		default:
			w.inlineInto(b, c)
		}
	}
}
