// Package artifact burns captured signatures and an audit summary into the
// source document.
package artifact

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
)

const (
	defaultFieldWidth  = 200
	defaultFieldHeight = 60

	// Audit summary pages are A4.
	summaryPageWidth  = 595.28
	summaryPageHeight = 841.89
	summaryMargin     = 50
	summaryLineHeight = 20

	isoTimestamp = "2006-01-02T15:04:05.000Z07:00"
	labelDate    = "1/2/2006"
)

// Rect is a placement in PDF user space (bottom-left origin).
type Rect struct {
	X, Y, Width, Height float64
}

// PlaceField converts a top-left-origin field to a bottom-left-origin rect on
// a page of the given height. Missing dimensions take the field defaults.
func PlaceField(field repository.SignatureField, pageHeight float64) Rect {
	w, h := field.Width, field.Height
	if w <= 0 {
		w = defaultFieldWidth
	}
	if h <= 0 {
		h = defaultFieldHeight
	}
	return Rect{
		X:      field.X,
		Y:      pageHeight - field.Y - h,
		Width:  w,
		Height: h,
	}
}

// Generator produces signed artifacts.
type Generator struct {
	backend  Backend
	clock    clock.Clock
	location *time.Location
}

// NewGenerator creates a generator. loc is the zone used for the local date
// printed under each signature; nil means UTC.
func NewGenerator(backend Backend, clk clock.Clock, loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{backend: backend, clock: clk, location: loc}
}

// Generate overlays every satisfiable field in list order and appends the
// audit summary. A malformed signature image degrades to a text signature;
// only an unreadable source document or a serialisation failure is an error.
func (g *Generator) Generate(src []byte, fields []repository.SignatureField, signers []*repository.Signer) ([]byte, error) {
	canvas, err := g.backend.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open source document: %w", err)
	}

	for _, field := range fields {
		g.placeSignature(canvas, field, signers)
	}
	g.addAuditSummary(canvas, signers)

	out, err := canvas.Bytes()
	if err != nil {
		return nil, fmt.Errorf("render signed document: %w", err)
	}
	return out, nil
}

func (g *Generator) placeSignature(canvas Canvas, field repository.SignatureField, signers []*repository.Signer) {
	signer := signedSignerFor(field.SignerEmail, signers)
	if signer == nil {
		return
	}

	page := field.Page - 1
	if page < 0 || page >= canvas.PageCount() {
		return
	}
	_, pageHeight := canvas.PageSize(page)
	r := PlaceField(field, pageHeight)

	canvas.DrawRect(page, r.X, r.Y, r.Width, r.Height, 1.5, colorBorder)

	drawn := false
	if img, err := DecodeSignature(signer.SignatureData); err == nil {
		// 5pt inset on three sides, the bottom 16pt is reserved for the label.
		imgW, imgH := r.Width-10, r.Height-21
		if imgW > 0 && imgH > 0 {
			drawn = canvas.DrawImage(page, img, r.X+5, r.Y+16, imgW, imgH) == nil
		}
	}
	if !drawn {
		canvas.DrawText(page, signer.DisplayName(), r.X+10, r.Y+r.Height/2, 14, colorInk)
	}

	canvas.DrawText(page, g.signatureLabel(signer), r.X+5, r.Y+5, 7, colorLabel)
}

func (g *Generator) signatureLabel(signer *repository.Signer) string {
	date := ""
	if signer.SignedAt != nil {
		date = signer.SignedAt.In(g.location).Format(labelDate)
	}
	return fmt.Sprintf("%s | %s", signer.DisplayName(), date)
}

func (g *Generator) addAuditSummary(canvas Canvas, signers []*repository.Signer) {
	page := canvas.AddPage(summaryPageWidth, summaryPageHeight)
	top := summaryPageHeight - 60

	canvas.DrawText(page, "DOCUMENT AUDIT TRAIL", summaryMargin, top, 18, colorBorder)
	canvas.DrawLine(page, summaryMargin, top-10, summaryPageWidth-summaryMargin, top-10, 2, colorBorder)

	y := top - 40
	canvas.DrawText(page, "Document generated: "+g.clock.Now().UTC().Format(isoTimestamp), summaryMargin, y, 10, colorLabel)
	y -= summaryLineHeight

	for _, signer := range signers {
		if signer.Status != repository.SignerSigned {
			continue
		}
		// One entry needs about three lines; continue on a fresh page.
		if y < summaryMargin+3*summaryLineHeight {
			page = canvas.AddPage(summaryPageWidth, summaryPageHeight)
			y = top
		}

		name := signer.Name
		if name == "" {
			name = "N/A"
		}
		ip := signer.IPAddress
		if ip == "" {
			ip = "N/A"
		}
		signedAt := ""
		if signer.SignedAt != nil {
			signedAt = signer.SignedAt.UTC().Format(isoTimestamp)
		}

		canvas.DrawCheckmark(page, summaryMargin, y, 10, colorSuccess)
		canvas.DrawText(page, "Signed by: "+signer.Email, summaryMargin+14, y, 10, colorSuccess)
		y -= summaryLineHeight * 0.8
		canvas.DrawText(page, fmt.Sprintf("  Name: %s | Date: %s", name, signedAt), summaryMargin, y, 9, colorSubtle)
		y -= summaryLineHeight * 0.8
		canvas.DrawText(page, "  IP: "+ip, summaryMargin, y, 9, colorSubtle)
		y -= summaryLineHeight * 1.2
	}
}

// signedSignerFor returns the first signed signer with a captured signature
// for email.
func signedSignerFor(email string, signers []*repository.Signer) *repository.Signer {
	email = repository.NormalizeEmail(email)
	for _, s := range signers {
		if s.Email == email && s.Status == repository.SignerSigned && s.SignatureData != "" {
			return s
		}
	}
	return nil
}
