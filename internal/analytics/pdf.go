// -----------------------------------------------------------------------
// Markdown to PDF rendering for job reports - goldmark AST walked into
// an fpdf document
// -----------------------------------------------------------------------

package analytics

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// ConvertMarkdownToPDF renders markdown report content into a PDF
// document. Title is set as PDF metadata only; the heading belongs in
// the markdown itself.
func (s *Service) ConvertMarkdownToPDF(markdown, title string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, false)
	pdf.SetMargins(12, 12, 12)
	pdf.SetAutoPageBreak(true, 12)
	pdf.AddPage()
	pdf.SetFont("Arial", "", 10)

	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &reportRenderer{pdf: pdf, source: source, font: "Arial", size: 10}
	if err := ast.Walk(doc, r.walk); err != nil {
		return nil, fmt.Errorf("failed to render report pdf: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	s.logger.Debug().Int("pdf_size", buf.Len()).Msg("Report PDF generated")
	return buf.Bytes(), nil
}

type reportRenderer struct {
	pdf    *fpdf.Fpdf
	source []byte
	font   string
	size   float64
	bold   bool
	italic bool
	inList bool
}

func (r *reportRenderer) resetFont() {
	style := ""
	if r.bold {
		style += "B"
	}
	if r.italic {
		style += "I"
	}
	r.pdf.SetFont(r.font, style, r.size)
}

func (r *reportRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			r.pdf.Ln(5)
			size := 15.0 - float64(node.Level)
			if size < 10 {
				size = 10
			}
			r.pdf.SetFont(r.font, "B", size)
		} else {
			r.pdf.Ln(7)
			r.resetFont()
		}
	case *ast.Paragraph:
		if !entering && !r.inList {
			r.pdf.Ln(6)
		}
	case *ast.Text:
		if entering {
			r.pdf.Write(5, string(node.Text(r.source)))
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			r.bold = entering
		} else {
			r.italic = entering
		}
		r.resetFont()
	case *ast.List:
		r.inList = entering
		if !entering {
			r.pdf.Ln(5)
		}
	case *ast.ListItem:
		if entering {
			r.pdf.Ln(5)
			r.pdf.SetX(16)
			r.pdf.Write(5, "- ")
		}
	case *ast.ThematicBreak:
		if entering {
			r.pdf.Ln(3)
			r.pdf.Line(12, r.pdf.GetY(), 198, r.pdf.GetY())
			r.pdf.Ln(3)
		}
	case *extast.Table:
		if entering {
			r.renderTable(node)
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

// renderTable collects the header and body rows, then draws a bordered
// grid with equal column widths
func (r *reportRenderer) renderTable(table *extast.Table) {
	collect := func(row ast.Node) []string {
		var cells []string
		for c := row.FirstChild(); c != nil; c = c.NextSibling() {
			cells = append(cells, string(c.Text(r.source)))
		}
		return cells
	}

	var header []string
	var rows [][]string
	for child := table.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.(type) {
		case *extast.TableHeader:
			header = collect(child)
		case *extast.TableRow:
			rows = append(rows, collect(child))
		}
	}
	if len(header) == 0 {
		return
	}

	pageWidth, _ := r.pdf.GetPageSize()
	left, _, right, _ := r.pdf.GetMargins()
	colWidth := (pageWidth - left - right) / float64(len(header))

	r.pdf.Ln(3)
	r.pdf.SetFont(r.font, "B", 8)
	r.pdf.SetFillColor(235, 235, 235)
	for _, cell := range header {
		r.pdf.CellFormat(colWidth, 6, cell, "1", 0, "L", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont(r.font, "", 8)
	for _, row := range rows {
		for i := 0; i < len(header); i++ {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			r.pdf.CellFormat(colWidth, 6, cell, "1", 0, "L", false, 0, "")
		}
		r.pdf.Ln(-1)
	}

	r.pdf.SetFillColor(255, 255, 255)
	r.resetFont()
	r.pdf.Ln(3)
}
