// Package validator implements the Security/Validation Gate (spec §4.4):
// size limits, MIME allow-listing, magic-byte sniffing and an optional
// deep decode probe, all evaluated before a file ever reaches the cache or
// the worker pool.
package validator

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/ocx/imgforge/internal/apierror"
	"github.com/ocx/imgforge/internal/codec"
)

// ThreatLevel mirrors the fixed vocabulary of spec §6.1's /api/security/scan.
type ThreatLevel string

const (
	ThreatNone ThreatLevel = "none"
	ThreatLow  ThreatLevel = "low"
	ThreatHigh ThreatLevel = "high"
)

// Report is the result of a Validate call, shaped to populate both the
// internal Scheduler decision and the /api/security/scan response body.
type Report struct {
	Safe           bool
	ThreatLevel    ThreatLevel
	Warnings       []string
	DetectedMIME   string
	DetectedFormat string
}

// Config bounds what the gate accepts (spec §6.3 security.*).
type Config struct {
	MaxBytes     int64
	AllowedMIME  map[string]bool
	DeepScan     bool
}

// DefaultConfig matches the format family the Codec Adapter can actually
// decode (spec §4.8 / disintegration/imaging support).
func DefaultConfig() Config {
	return Config{
		MaxBytes: 25 * 1024 * 1024,
		AllowedMIME: map[string]bool{
			"image/png":  true,
			"image/jpeg": true,
			"image/gif":  true,
			"image/bmp":  true,
			"image/tiff": true,
		},
		DeepScan: false,
	}
}

var magicSignatures = []struct {
	mime string
	sig  []byte
}{
	{"image/png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}},
	{"image/jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"image/gif", []byte("GIF87a")},
	{"image/gif", []byte("GIF89a")},
	{"image/bmp", []byte("BM")},
	{"image/tiff", []byte{0x49, 0x49, 0x2A, 0x00}},
	{"image/tiff", []byte{0x4D, 0x4D, 0x00, 0x2A}},
}

// Gate runs the Security/Validation checks ahead of scheduling.
type Gate struct {
	cfg Config
}

// New returns a Gate bound to cfg.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Validate runs the four admission checks in order, short-circuiting on the
// first failure (spec §4.2): size, MIME allow-list, header signature, then
// an optional deep decode probe.
func (g *Gate) Validate(data []byte) (Report, error) {
	if len(data) == 0 {
		return Report{}, apierror.New(apierror.InputInvalid, "empty file")
	}
	if g.cfg.MaxBytes > 0 && int64(len(data)) > g.cfg.MaxBytes {
		return Report{}, apierror.New(apierror.FileTooLarge, fmt.Sprintf("file exceeds %d bytes", g.cfg.MaxBytes))
	}

	sniffed := http.DetectContentType(data)
	if len(g.cfg.AllowedMIME) > 0 && !g.cfg.AllowedMIME[sniffed] {
		return Report{
			Safe:         false,
			ThreatLevel:  ThreatHigh,
			Warnings:     []string{fmt.Sprintf("mime type %q is not permitted", sniffed)},
			DetectedMIME: sniffed,
		}, apierror.New(apierror.UnsupportedFormat, fmt.Sprintf("unsupported mime type %q", sniffed))
	}

	detectedFormat, ok := matchSignature(data)
	if !ok {
		return Report{
			Safe:         false,
			ThreatLevel:  ThreatHigh,
			Warnings:     []string{"header byte signature does not match a recognized image type"},
			DetectedMIME: sniffed,
		}, apierror.New(apierror.SecurityRejected, "file signature does not match a recognized image type")
	}

	report := Report{Safe: true, ThreatLevel: ThreatNone, DetectedMIME: sniffed, DetectedFormat: detectedFormat}

	if g.cfg.DeepScan {
		format, width, height, err := codec.Decode(data)
		if err != nil {
			report.Safe = false
			report.ThreatLevel = ThreatHigh
			report.Warnings = append(report.Warnings, "deep scan decode failed: "+err.Error())
			return report, apierror.New(apierror.SecurityRejected, "file failed deep content scan")
		}
		report.DetectedFormat = format
		if width <= 0 || height <= 0 {
			report.Safe = false
			report.ThreatLevel = ThreatHigh
			report.Warnings = append(report.Warnings, "decoded image has non-positive dimensions")
			return report, apierror.New(apierror.SecurityRejected, "decoded image has invalid dimensions")
		}
	}

	return report, nil
}

func matchSignature(data []byte) (string, bool) {
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(data, sig.sig) {
			return sig.mime, true
		}
	}
	return "", false
}
