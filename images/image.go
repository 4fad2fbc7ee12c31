// Package images - Decode helpers shared by the detector and annotator.
package images

import (
	"bytes"
	"image"
	_ "image/jpeg" // Register JPEG decoding.
	_ "image/png"  // Register PNG decoding.

	"github.com/pkg/errors"
)

// Decode parses raw image bytes into an image.Image.
//
// Arguments:
//   - data: Raw image bytes (JPEG or PNG).
//
// Returns:
//   - image.Image: The decoded image.
//   - string: The detected format name ("jpeg", "png").
//   - error: An error if the bytes are not a decodable image.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding image")
	}
	return img, format, nil
}
