package model

import (
	"encoding/base64"
	"time"
)

// SourceImage - 업로드된 원본 이미지 (세션 단위, 읽기 전용으로 공유)
type SourceImage struct {
	Data       []byte    `json:"-"`
	MIMEType   string    `json:"mimeType"`
	Filename   string    `json:"filename,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// IsEmpty reports whether there is no usable payload.
func (s SourceImage) IsEmpty() bool {
	return len(s.Data) == 0 || s.MIMEType == ""
}

// DataURI renders the source as a displayable data URI.
func (s SourceImage) DataURI() string {
	return DataURI(s.MIMEType, s.Data)
}

// ImageResult - 생성된 이미지 결과
type ImageResult struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mimeType"`
}

// DataURI renders the result as a displayable data URI.
func (r ImageResult) DataURI() string {
	return DataURI(r.MIMEType, r.Data)
}

// DataURI - "data:<mime>;base64,<payload>" 형식 생성
func DataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Status - 아이템 생성 상태 (생성 즉시 loading, 대기 상태는 없음)
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether the status ends a generation attempt.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// GeneratedImageMIMEType is the type every generated payload is treated as.
const GeneratedImageMIMEType = "image/png"
