package presentation

import (
	"errors"
	"fmt"
	"strings"

	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/common/utils"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

const webpQuality = 90

// Encoded is an image payload ready to be written to a response.
type Encoded struct {
	Data        []byte
	ContentType string
	Ext         string
}

// EncodeImage returns the generated image as png (unchanged) or lossy webp.
func EncodeImage(res model.ImageResult, format string) (Encoded, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "png":
		return Encoded{Data: res.Data, ContentType: res.MIMEType, Ext: ".png"}, nil
	case "webp":
		data, err := utils.ConvertImageToWebP(res.Data, webpQuality)
		if err != nil {
			return Encoded{}, fmt.Errorf("failed to convert to webp: %w", err)
		}
		return Encoded{Data: data, ContentType: "image/webp", Ext: ".webp"}, nil
	default:
		return Encoded{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WithExt swaps the .png suffix of a download name for ext.
func WithExt(name, ext string) string {
	return strings.TrimSuffix(name, downloadExt) + ext
}
