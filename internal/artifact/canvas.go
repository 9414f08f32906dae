package artifact

import "image"

// Color is an RGB colour in 0-255 components.
type Color struct {
	R, G, B uint8
}

var (
	colorBorder  = Color{26, 102, 204}
	colorInk     = Color{26, 26, 153}
	colorLabel   = Color{77, 77, 77}
	colorSubtle  = Color{102, 102, 102}
	colorSuccess = Color{26, 153, 51}
)

// Canvas is a drawable document. Page indexes are 0-based and coordinates
// are PDF user space: points, bottom-left origin.
type Canvas interface {
	PageCount() int
	PageSize(page int) (width, height float64)
	// AddPage appends a blank page and returns its index.
	AddPage(width, height float64) int
	DrawRect(page int, x, y, w, h, lineWidth float64, c Color)
	DrawLine(page int, x1, y1, x2, y2, thickness float64, c Color)
	DrawImage(page int, img image.Image, x, y, w, h float64) error
	// DrawText draws a single line whose baseline starts at (x, y).
	DrawText(page int, text string, x, y, size float64, c Color)
	DrawCheckmark(page int, x, y, size float64, c Color)
	// Bytes serialises the document.
	Bytes() ([]byte, error)
}

// Backend opens a source artifact as a Canvas.
type Backend interface {
	Open(src []byte) (Canvas, error)
}
