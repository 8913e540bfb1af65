package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ocx/imgforge/internal/core"
)

// Fingerprint computes the cache key of spec §3: a SHA-256 hash over the
// content hash of the input bytes and the canonical serialization of the
// normalized options. Identical bytes + identical normalized options always
// produce identical fingerprints.
func Fingerprint(input []byte, opts core.ProcessingOptions) string {
	n := opts.Normalize()

	h := sha256.New()
	contentSum := sha256.Sum256(input)
	h.Write(contentSum[:])
	fmt.Fprintf(h,
		"|w=%d|h=%d|ar=%t|q=%d|f=%s|r=%d|fh=%t|fv=%t",
		n.ResizeWidth, n.ResizeHeight, n.MaintainAspectRatio, n.Quality,
		n.TargetFormat, n.RotationAngle, n.FlipHorizontal, n.FlipVertical,
	)
	return hex.EncodeToString(h.Sum(nil))
}
