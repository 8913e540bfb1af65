package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/imgforge/internal/core"
)

func TestFingerprint_IsDeterministic(t *testing.T) {
	input := []byte("some image bytes")
	opts := core.ProcessingOptions{ResizeWidth: 100, Quality: 90}

	fp1 := Fingerprint(input, opts)
	fp2 := Fingerprint(input, opts)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64, "sha256 hex digest is 64 characters")
}

func TestFingerprint_DiffersOnContent(t *testing.T) {
	opts := core.DefaultProcessingOptions()
	fp1 := Fingerprint([]byte("image a"), opts)
	fp2 := Fingerprint([]byte("image b"), opts)
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprint_DiffersOnOptions(t *testing.T) {
	input := []byte("same bytes")
	fp1 := Fingerprint(input, core.ProcessingOptions{ResizeWidth: 100})
	fp2 := Fingerprint(input, core.ProcessingOptions{ResizeWidth: 200})
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprint_NormalizesEquivalentOptions(t *testing.T) {
	input := []byte("same bytes")
	// Quality 0 normalizes to 85, and an unsupported rotation (45) normalizes
	// to 0 - these two option bundles must fingerprint identically.
	fp1 := Fingerprint(input, core.ProcessingOptions{Quality: 0, RotationAngle: 45})
	fp2 := Fingerprint(input, core.ProcessingOptions{Quality: 85, RotationAngle: 0})
	assert.Equal(t, fp1, fp2)
}

func TestFingerprint_NegativeResizeNormalizesToZero(t *testing.T) {
	input := []byte("same bytes")
	fp1 := Fingerprint(input, core.ProcessingOptions{ResizeWidth: -5, ResizeHeight: -10})
	fp2 := Fingerprint(input, core.ProcessingOptions{ResizeWidth: 0, ResizeHeight: 0})
	assert.Equal(t, fp1, fp2)
}
