package artifact

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
)

const (
	mediaBox      = "/MediaBox"
	textFont      = "Helvetica"
	utf8TextFont  = "signer-text"
	checkmarkFont = "ZapfDingbats"
)

// PDFBackend opens PDF documents with gofpdf, importing every source page as
// a template. Text uses the cp1252 core font unless a TrueType font is set,
// so names outside cp1252 need a font to render.
type PDFBackend struct {
	fontPath string
}

// NewPDFBackend returns the gofpdf backed Backend.
func NewPDFBackend() *PDFBackend {
	return &PDFBackend{}
}

// NewUTF8PDFBackend renders text with the TrueType font at fontPath.
func NewUTF8PDFBackend(fontPath string) *PDFBackend {
	return &PDFBackend{fontPath: fontPath}
}

// pdfOp draws onto the current gofpdf page. pageHeight converts from the
// bottom-left origin used by Canvas to gofpdf's top-left origin.
type pdfOp func(pdf *gofpdf.Fpdf, pageHeight float64)

type pdfPage struct {
	width, height float64
	template      int
	imported      bool
	ops           []pdfOp
}

type pdfCanvas struct {
	pdf      *gofpdf.Fpdf
	importer *gofpdi.Importer
	tr       func(string) string
	font     string
	pages    []*pdfPage
	images   int
}

// Open parses src. gofpdi reports malformed input by panicking, which is
// converted into an error here.
func (b *PDFBackend) Open(src []byte) (c Canvas, err error) {
	if !bytes.HasPrefix(src, []byte("%PDF-")) {
		return nil, fmt.Errorf("source is not a PDF document")
	}
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("parse PDF: %v", r)
		}
	}()

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: summaryPageWidth, Ht: summaryPageHeight},
	})
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)

	canvas := &pdfCanvas{
		pdf:      pdf,
		importer: gofpdi.NewImporter(),
		tr:       pdf.UnicodeTranslatorFromDescriptor(""),
		font:     textFont,
	}
	if b.fontPath != "" {
		pdf.AddUTF8Font(utf8TextFont, "", b.fontPath)
		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("load font %s: %w", b.fontPath, err)
		}
		canvas.tr = func(s string) string { return s }
		canvas.font = utf8TextFont
	}

	var rs io.ReadSeeker = bytes.NewReader(src)
	first := canvas.importer.ImportPageFromStream(pdf, &rs, 1, mediaBox)
	sizes := canvas.importer.GetPageSizes()
	if len(sizes) == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	for n := 1; n <= len(sizes); n++ {
		tpl := first
		if n > 1 {
			tpl = canvas.importer.ImportPageFromStream(pdf, &rs, n, mediaBox)
		}
		box := sizes[n][mediaBox]
		canvas.pages = append(canvas.pages, &pdfPage{
			width:    box["w"],
			height:   box["h"],
			template: tpl,
			imported: true,
		})
	}
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("import PDF pages: %w", err)
	}
	return canvas, nil
}

func (c *pdfCanvas) PageCount() int { return len(c.pages) }

func (c *pdfCanvas) PageSize(page int) (float64, float64) {
	p := c.pages[page]
	return p.width, p.height
}

func (c *pdfCanvas) AddPage(width, height float64) int {
	c.pages = append(c.pages, &pdfPage{width: width, height: height})
	return len(c.pages) - 1
}

func (c *pdfCanvas) DrawRect(page int, x, y, w, h, lineWidth float64, col Color) {
	c.add(page, func(pdf *gofpdf.Fpdf, pageHeight float64) {
		pdf.SetDrawColor(int(col.R), int(col.G), int(col.B))
		pdf.SetLineWidth(lineWidth)
		pdf.Rect(x, pageHeight-y-h, w, h, "D")
	})
}

func (c *pdfCanvas) DrawLine(page int, x1, y1, x2, y2, thickness float64, col Color) {
	c.add(page, func(pdf *gofpdf.Fpdf, pageHeight float64) {
		pdf.SetDrawColor(int(col.R), int(col.G), int(col.B))
		pdf.SetLineWidth(thickness)
		pdf.Line(x1, pageHeight-y1, x2, pageHeight-y2)
	})
}

// DrawImage re-encodes img as PNG so gofpdf sees a single format regardless
// of what the signer uploaded.
func (c *pdfCanvas) DrawImage(page int, img image.Image, x, y, w, h float64) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode signature image: %w", err)
	}
	c.images++
	name := fmt.Sprintf("signature-%d", c.images)
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	data := buf.Bytes()

	c.add(page, func(pdf *gofpdf.Fpdf, pageHeight float64) {
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
		pdf.ImageOptions(name, x, pageHeight-y-h, w, h, false, opts, 0, "")
	})
	return nil
}

func (c *pdfCanvas) DrawText(page int, text string, x, y, size float64, col Color) {
	text = c.tr(text)
	font := c.font
	c.add(page, func(pdf *gofpdf.Fpdf, pageHeight float64) {
		pdf.SetFont(font, "", size)
		pdf.SetTextColor(int(col.R), int(col.G), int(col.B))
		pdf.Text(x, pageHeight-y, text)
	})
}

func (c *pdfCanvas) DrawCheckmark(page int, x, y, size float64, col Color) {
	c.add(page, func(pdf *gofpdf.Fpdf, pageHeight float64) {
		// "4" is the check mark glyph in ZapfDingbats.
		pdf.SetFont(checkmarkFont, "", size)
		pdf.SetTextColor(int(col.R), int(col.G), int(col.B))
		pdf.Text(x, pageHeight-y, "4")
	})
}

func (c *pdfCanvas) Bytes() (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("write PDF: %v", r)
		}
	}()

	for _, p := range c.pages {
		c.pdf.AddPageFormat("P", gofpdf.SizeType{Wd: p.width, Ht: p.height})
		if p.imported {
			c.importer.UseImportedTemplate(c.pdf, p.template, 0, 0, p.width, p.height)
		}
		for _, op := range p.ops {
			op(c.pdf, p.height)
		}
	}

	var buf bytes.Buffer
	if err := c.pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *pdfCanvas) add(page int, op pdfOp) {
	if page < 0 || page >= len(c.pages) {
		return
	}
	c.pages[page].ops = append(c.pages[page].ops, op)
}
