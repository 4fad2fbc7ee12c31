// Package digest - Content addressing for uploaded images.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PredictionKeyFormat is the stable cache key shape shared with existing
// deployments. Changing it invalidates every persisted entry.
const PredictionKeyFormat = "prediction:%s:%s"

// Sum computes the SHA-256 digest of raw image bytes as a lowercase hex
// string.
//
// The digest identifies an image by content rather than by filename, so
// re-uploading the same photograph under a different name maps to the same
// cache entry. Zero-length input is accepted; rejecting empty uploads is the
// caller's concern.
//
// Arguments:
//   - data: Raw image bytes.
//
// Returns:
//   - string: 64-character lowercase hex digest.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PredictionKey builds the cache key for a prediction result.
//
// Identical (digest, detectorID) pairs always produce identical keys.
//
// Arguments:
//   - imageDigest: Hex digest produced by Sum.
//   - detectorID: Identifier of the detector that scored the image.
//
// Returns:
//   - string: Key of the form "prediction:{digest}:{detectorID}".
func PredictionKey(imageDigest, detectorID string) string {
	return fmt.Sprintf(PredictionKeyFormat, imageDigest, detectorID)
}
