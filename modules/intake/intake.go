// Package intake turns uploaded files into the session's source image.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/common/utils"
)

var (
	ErrEmpty       = errors.New("uploaded file is empty")
	ErrTooLarge    = errors.New("uploaded file is too large")
	ErrNotImage    = errors.New("uploaded file is not an image")
	ErrUndecodable = errors.New("uploaded image could not be decoded")
)

// decodable - image.DecodeConfig로 헤더 검증이 가능한 타입
var decodable = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/webp": true,
}

// Upload is one file handed over by the transport layer.
type Upload struct {
	Filename     string
	DeclaredType string
	Body         io.Reader
}

// Service validates uploads against a size limit.
type Service struct {
	maxBytes int64
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(maxBytes int64, logger *zap.Logger) *Service {
	return &Service{
		maxBytes: maxBytes,
		logger:   logger.With(zap.String("component", "intake")),
		now:      time.Now,
	}
}

// MaxBytes is the configured upload limit.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Accept reads and validates up.Body.
func (s *Service) Accept(ctx context.Context, up Upload) (model.SourceImage, error) {
	if err := ctx.Err(); err != nil {
		return model.SourceImage{}, err
	}
	if up.Body == nil {
		return model.SourceImage{}, ErrEmpty
	}

	// 한도+1 바이트까지 읽어서 초과 여부 판단
	data, err := io.ReadAll(io.LimitReader(up.Body, s.maxBytes+1))
	if err != nil {
		return model.SourceImage{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		s.logger.Warn("⚠️ [Intake] Upload rejected: too large",
			zap.String("filename", up.Filename),
			zap.Int64("limit", s.maxBytes))
		return model.SourceImage{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}

	return s.validate(up.Filename, up.DeclaredType, data)
}

// AcceptDataURI validates a source supplied as "data:<mime>;base64,<payload>".
func (s *Service) AcceptDataURI(ctx context.Context, uri string) (model.SourceImage, error) {
	if err := ctx.Err(); err != nil {
		return model.SourceImage{}, err
	}
	mimeType, data, err := utils.ParseDataURI(uri)
	if err != nil {
		return model.SourceImage{}, err
	}
	if int64(len(data)) > s.maxBytes {
		return model.SourceImage{}, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	return s.validate("", mimeType, data)
}

func (s *Service) validate(filename, declared string, data []byte) (model.SourceImage, error) {
	if len(data) == 0 {
		return model.SourceImage{}, ErrEmpty
	}

	mimeType := resolveMIMEType(declared, data)
	if !strings.HasPrefix(mimeType, "image/") {
		s.logger.Warn("⚠️ [Intake] Upload rejected: not an image",
			zap.String("filename", filename),
			zap.String("declared", declared),
			zap.String("detected", mimeType))
		return model.SourceImage{}, fmt.Errorf("%w: %s", ErrNotImage, mimeType)
	}

	src := model.SourceImage{
		Data:       data,
		MIMEType:   mimeType,
		Filename:   filename,
		UploadedAt: s.now(),
	}

	// heic 등 디코더가 없는 이미지 타입은 헤더 검증 없이 통과
	if decodable[mimeType] {
		cfg, _, err := utils.DecodeImageConfig(data)
		if err != nil {
			return model.SourceImage{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		src.Width = cfg.Width
		src.Height = cfg.Height
	}

	s.logger.Info("📥 [Intake] Source image accepted",
		zap.String("filename", filename),
		zap.String("mimeType", mimeType),
		zap.Int("bytes", len(data)),
		zap.Int("width", src.Width),
		zap.Int("height", src.Height))
	return src, nil
}

// resolveMIMEType trusts an image/* declaration and sniffs everything else.
func resolveMIMEType(declared string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if strings.HasPrefix(declared, "image/") {
		return declared
	}

	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}

// NewUpload wraps an in-memory payload.
func NewUpload(filename, declaredType string, data []byte) Upload {
	return Upload{Filename: filename, DeclaredType: declaredType, Body: bytes.NewReader(data)}
}
