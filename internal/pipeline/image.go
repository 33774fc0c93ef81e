package pipeline

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/disintegration/imaging"
)

// ErrImageTooLarge is raised when an image can't be fit under max_bytes
// even after scaling and (for JPEG) the full quality ladder.
type ErrImageTooLarge struct {
	SizeBytes int
}

func (e *ErrImageTooLarge) Error() string {
	return fmt.Sprintf("image %.1fMB after compression, still over limit", float64(e.SizeBytes)/(1024*1024))
}

// DefaultQualitySteps is the JPEG quality ladder tried, in order, once
// dimension scaling alone doesn't bring an image under the byte budget.
var DefaultQualitySteps = []int{85, 60, 40}

// FitImage scales data to maxDimension per side and, for JPEG, steps down
// quality until it fits within maxBytes. PNG is lossless — once scaling
// alone doesn't fit, FitImage returns ErrImageTooLarge rather than
// re-encoding lossy. Ported from `_fit_image` in the original daemon.
func FitImage(data []byte, contentType string, maxBytes, maxDimension int, qualitySteps []int) ([]byte, error) {
	if qualitySteps == nil {
		qualitySteps = DefaultQualitySteps
	}
	isJPEG := contentType == "image/jpeg"

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("fit image: decode: %w", err)
	}

	bounds := img.Bounds()
	maxSide := bounds.Dx()
	if bounds.Dy() > maxSide {
		maxSide = bounds.Dy()
	}

	if maxSide > maxDimension {
		slog.Info("pipeline: scaling image to fit", "from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()), "max_dimension", maxDimension)
		fitted := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
		var buf bytes.Buffer
		if isJPEG {
			err = imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(90))
		} else {
			err = imaging.Encode(&buf, fitted, imaging.PNG)
		}
		if err != nil {
			return nil, fmt.Errorf("fit image: re-encode after scale: %w", err)
		}
		data = buf.Bytes()
		img = fitted
	}

	if len(data) <= maxBytes {
		return data, nil
	}

	if isJPEG {
		for _, q := range qualitySteps {
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
				return nil, fmt.Errorf("fit image: encode quality %d: %w", q, err)
			}
			if buf.Len() <= maxBytes {
				slog.Info("pipeline: JPEG quality step fit image", "quality", q, "bytes", buf.Len())
				return buf.Bytes(), nil
			}
			data = buf.Bytes()
		}
	}

	return nil, &ErrImageTooLarge{SizeBytes: len(data)}
}
