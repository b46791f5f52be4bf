package imagehost

import (
	"bytes"
	"fmt"
	"image"

	// Register decoders for the sticker formats seen in the wild.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ProbeDimensions reads the pixel dimensions from the image header
// without decoding the full image.
func ProbeDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// SniffImage reports whether the payload looks like a supported image.
func SniffImage(data []byte) bool {
	_, _, err := ProbeDimensions(data)
	return err == nil
}
