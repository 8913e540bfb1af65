// Package codec is the pure, byte-oriented image conversion function the
// rest of the system treats as an external collaborator (spec §1, §9):
// (input bytes, options) -> (output bytes, metadata) | error. No decoded
// pixel state crosses this package's boundary.
//
// Grounded on the imaging-library usage pattern found in the retrieval
// pack's image-processing examples (decode -> transform -> encode via
// github.com/disintegration/imaging), generalized from a fixed
// resize-to-JPEG pipeline into the full option set of spec §3.
package codec

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/ocx/imgforge/internal/apierror"
	"github.com/ocx/imgforge/internal/core"
)

// Convert decodes input, applies the requested transforms in a fixed order
// (resize -> rotate -> flip -> re-encode), and returns the produced bytes
// plus artifact metadata. It never panics on malformed input; decode/encode
// failures are returned as *apierror.Error with Kind == CodecFailed.
func Convert(input []byte, opts core.ProcessingOptions) ([]byte, core.ArtifactMetadata, error) {
	src, sourceFormat, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, core.ArtifactMetadata{}, apierror.Wrap(apierror.CodecFailed, "decode failed", err)
	}

	img := applyTransforms(src, opts)

	targetFormat := opts.TargetFormat
	if targetFormat == "" {
		targetFormat = core.ImageFormat(sourceFormat.String())
	}

	fmtEnum, quality, err := resolveEncodeFormat(targetFormat, opts.Quality)
	if err != nil {
		return nil, core.ArtifactMetadata{}, err
	}

	var buf bytes.Buffer
	encodeOpts := []imaging.EncodeOption{}
	if quality > 0 {
		encodeOpts = append(encodeOpts, imaging.JPEGQuality(quality))
	}
	if err := imaging.Encode(&buf, img, fmtEnum, encodeOpts...); err != nil {
		return nil, core.ArtifactMetadata{}, apierror.Wrap(apierror.CodecFailed, "encode failed", err)
	}

	bounds := img.Bounds()
	meta := core.ArtifactMetadata{
		OriginalFormat:  sourceFormat.String(),
		ProcessedFormat: string(targetFormat),
		Width:           bounds.Dx(),
		Height:          bounds.Dy(),
		ByteSize:        buf.Len(),
	}
	return buf.Bytes(), meta, nil
}

// Decode returns the decoded image's format and dimensions without encoding
// anything; used by the Validator's deep-scan step (spec §4.2) and by
// /api/validate-base64.
func Decode(input []byte) (format string, width, height int, err error) {
	src, f, err := imaging.Decode(bytes.NewReader(input))
	if err != nil {
		return "", 0, 0, apierror.Wrap(apierror.CodecFailed, "decode failed", err)
	}
	b := src.Bounds()
	return f.String(), b.Dx(), b.Dy(), nil
}

func applyTransforms(src image.Image, opts core.ProcessingOptions) image.Image {
	img := src

	if opts.ResizeWidth > 0 || opts.ResizeHeight > 0 {
		if opts.MaintainAspectRatio {
			img = imaging.Resize(img, opts.ResizeWidth, opts.ResizeHeight, imaging.Lanczos)
		} else {
			w, h := opts.ResizeWidth, opts.ResizeHeight
			if w == 0 {
				w = img.Bounds().Dx()
			}
			if h == 0 {
				h = img.Bounds().Dy()
			}
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}
	}

	switch opts.RotationAngle {
	case 90:
		img = imaging.Rotate90(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate270(img)
	}

	if opts.FlipHorizontal {
		img = imaging.FlipH(img)
	}
	if opts.FlipVertical {
		img = imaging.FlipV(img)
	}

	return img
}

func resolveEncodeFormat(f core.ImageFormat, quality int) (imaging.Format, int, error) {
	switch f {
	case core.FormatPNG, "png":
		return imaging.PNG, 0, nil
	case core.FormatJPEG, "jpeg", "jpg":
		return imaging.JPEG, normalizeQuality(quality), nil
	case core.FormatGIF, "gif":
		return imaging.GIF, 0, nil
	case core.FormatBMP, "bmp":
		return imaging.BMP, 0, nil
	case core.FormatTIFF, "tiff":
		return imaging.TIFF, 0, nil
	case core.FormatICO, "ico":
		// imaging has no native ICO encoder; ICO payloads are served as PNG
		// framed images upstream of this package — treat as unsupported here.
		return 0, 0, apierror.New(apierror.UnsupportedFormat, fmt.Sprintf("unsupported target format %q", f))
	default:
		return 0, 0, apierror.New(apierror.UnsupportedFormat, fmt.Sprintf("unsupported target format %q", f))
	}
}

func normalizeQuality(q int) int {
	if q <= 0 {
		return 85
	}
	if q > 100 {
		return 100
	}
	return q
}
