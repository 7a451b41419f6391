package presentation

import (
	"errors"

	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/orchestrator"
)

var ErrNotViewable = errors.New("item has no image to show")

// LightboxState is what the client needs to draw the enlarged view.
type LightboxState struct {
	Open     bool   `json:"open"`
	Position int    `json:"position"`
	Label    string `json:"label,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Lightbox holds one client's enlarged-image selection. Only successful
// items can be shown; the selection resets when the batch changes.
// Not safe for concurrent use.
type Lightbox struct {
	batchID  string
	position int
	open     bool
}

// Open selects position.
func (l *Lightbox) Open(position int, snap orchestrator.Snapshot) error {
	it, ok := snap.Item(position)
	if !ok || it.Status != model.StatusSuccess || it.Image == nil {
		return ErrNotViewable
	}
	l.batchID = snap.BatchID
	l.position = position
	l.open = true
	return nil
}

// Close hides the lightbox.
func (l *Lightbox) Close() {
	l.open = false
}

// Next moves to the next successful item, wrapping around.
func (l *Lightbox) Next(snap orchestrator.Snapshot) bool {
	return l.step(snap, 1)
}

// Prev moves to the previous successful item, wrapping around.
func (l *Lightbox) Prev(snap orchestrator.Snapshot) bool {
	return l.step(snap, -1)
}

func (l *Lightbox) step(snap orchestrator.Snapshot, dir int) bool {
	if !l.sync(snap) {
		return false
	}
	n := len(snap.Items)
	for i := 1; i <= n; i++ {
		pos := ((l.position+dir*i)%n + n) % n
		if it := snap.Items[pos]; it.Status == model.StatusSuccess && it.Image != nil {
			l.position = pos
			return true
		}
	}
	return false
}

// sync closes the lightbox when its item is gone or no longer viewable.
func (l *Lightbox) sync(snap orchestrator.Snapshot) bool {
	if !l.open {
		return false
	}
	if snap.BatchID != l.batchID {
		l.open = false
		return false
	}
	it, ok := snap.Item(l.position)
	if !ok || it.Status != model.StatusSuccess || it.Image == nil {
		// 재시도로 이미지가 사라진 경우 다음 성공 아이템이 없으면 닫음
		n := len(snap.Items)
		for i := 1; i <= n; i++ {
			pos := (l.position + i) % n
			if c := snap.Items[pos]; c.Status == model.StatusSuccess && c.Image != nil {
				l.position = pos
				return true
			}
		}
		l.open = false
		return false
	}
	return true
}

// State reconciles the selection with snap and returns it.
func (l *Lightbox) State(snap orchestrator.Snapshot, sessionID string) LightboxState {
	if !l.sync(snap) {
		return LightboxState{}
	}
	it := snap.Items[l.position]
	return LightboxState{
		Open:     true,
		Position: l.position,
		Label:    it.AngleLabel,
		ImageURL: ImageURL(sessionID, l.position),
	}
}
