package angles

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// AngleSpec - 생성할 카메라 앵글 정의
type AngleSpec struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	PromptFragment string `json:"promptFragment"`
}

const (
	// CustomID is the identity of the free-text angle.
	CustomID = "custom"

	// LabelLimit - 커스텀 라벨 표시 길이 (rune 기준)
	LabelLimit = 20

	ellipsis = "…"
)

var ErrUnknownAngle = errors.New("unknown angle")

// catalog - 기본 앵글 목록 (순서 고정)
var catalog = []AngleSpec{
	{ID: "front", Label: "Front View", PromptFragment: "straight-on front view"},
	{ID: "left", Label: "Left Side View", PromptFragment: "view from the left side profile"},
	{ID: "top", Label: "Top-Down View", PromptFragment: "top-down overhead view"},
	{ID: "bottom", Label: "Bottom View", PromptFragment: "view from directly below"},
	{ID: "iso", Label: "Isometric View", PromptFragment: "3/4 isometric view"},
	{ID: "zoom-in", Label: "Zoom In", PromptFragment: "extreme close-up zoom in view"},
	{ID: "zoom-out", Label: "Zoom Out", PromptFragment: "distant wide-angle zoom out view"},
	{ID: "fisheye", Label: "Fisheye View", PromptFragment: "distorted fisheye lens view"},
}

// ListAngles returns a copy of the catalog in display order.
func ListAngles() []AngleSpec {
	out := make([]AngleSpec, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup - ID로 앵글 조회
func Lookup(id string) (AngleSpec, bool) {
	for _, a := range catalog {
		if a.ID == id {
			return a, true
		}
	}
	return AngleSpec{}, false
}

// CustomAngle builds the free-text angle. The trimmed text is the prompt
// fragment verbatim; only the label is shortened for display.
func CustomAngle(text string) (AngleSpec, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return AngleSpec{}, false
	}
	return AngleSpec{
		ID:             CustomID,
		Label:          TruncateLabel(text, LabelLimit),
		PromptFragment: text,
	}, true
}

// TruncateLabel cuts s to limit runes and appends an ellipsis when it was longer.
func TruncateLabel(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:limit]), " ") + ellipsis
}

// WithCustom - 기본 목록 + (선택) 커스텀 앵글 1개
func WithCustom(custom string) []AngleSpec {
	out := ListAngles()
	if a, ok := CustomAngle(custom); ok {
		out = append(out, a)
	}
	return out
}

// Select picks catalog entries by ID, keeping catalog order and dropping
// duplicates. An empty ids list selects the whole catalog. A non-empty custom
// text is appended last.
func Select(ids []string, custom string) ([]AngleSpec, error) {
	if len(ids) == 0 {
		return WithCustom(custom), nil
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := Lookup(id); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAngle, id)
		}
		wanted[id] = true
	}

	out := make([]AngleSpec, 0, len(wanted)+1)
	for _, a := range catalog {
		if wanted[a.ID] {
			out = append(out, a)
		}
	}
	if a, ok := CustomAngle(custom); ok {
		out = append(out, a)
	}
	return out, nil
}
