package artifact

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
)

// DecodeSignature decodes a captured signature. Accepted payloads are data
// URLs (data:image/png;base64,... or data:image/jpeg;base64,...) and bare
// base64 PNG/JPEG bytes.
func DecodeSignature(data string) (image.Image, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("empty signature")
	}

	mediaType := ""
	payload := data
	if strings.HasPrefix(data, "data:") {
		header, body, ok := strings.Cut(data, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("signature data url is not base64 encoded")
		}
		mediaType = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64"))
		payload = body
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode signature base64: %w", err)
	}

	switch mediaType {
	case "image/png":
		return png.Decode(bytes.NewReader(raw))
	case "image/jpeg", "image/jpg":
		return jpeg.Decode(bytes.NewReader(raw))
	case "":
		img, _, err := image.Decode(bytes.NewReader(raw))
		return img, err
	default:
		return nil, fmt.Errorf("unsupported signature format %q", mediaType)
	}
}
