// Package presentation derives what the client renders from orchestrator
// snapshots. It never mutates items.
package presentation

import (
	"fmt"

	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/orchestrator"
)

// ItemView - 그리드 한 칸에 표시할 정보
type ItemView struct {
	Position     int          `json:"position"`
	AngleID      string       `json:"angleId"`
	Label        string       `json:"label"`
	Status       model.Status `json:"status"`
	ImageURL     string       `json:"imageUrl,omitempty"`
	DataURI      string       `json:"dataUri,omitempty"`
	Error        string       `json:"error,omitempty"`
	Attempts     int          `json:"attempts"`
	CanRetry     bool         `json:"canRetry"`
	CanDownload  bool         `json:"canDownload"`
	DownloadName string       `json:"downloadName,omitempty"`
}

// StateView is the full grid state of one session.
type StateView struct {
	SessionID string              `json:"sessionId"`
	BatchID   string              `json:"batchId,omitempty"`
	HasSource bool                `json:"hasSource"`
	Items     []ItemView          `json:"items"`
	Complete  bool                `json:"complete"`
	Counts    orchestrator.Counts `json:"counts"`
	// Live is false when the view was restored from a stored snapshot.
	Live bool `json:"live"`
}

// ViewOptions controls optional payloads.
type ViewOptions struct {
	// InlineImages embeds each successful image as a data URI.
	InlineImages bool
}

// ImageURL is where the HTTP API serves the image at position.
func ImageURL(sessionID string, position int) string {
	return fmt.Sprintf("/api/sessions/%s/items/%d/image", sessionID, position)
}

// BuildView renders one item.
func BuildView(sessionID string, it orchestrator.Item, opts ViewOptions) ItemView {
	v := ItemView{
		Position: it.Position,
		AngleID:  it.AngleID,
		Label:    it.AngleLabel,
		Status:   it.Status,
		Attempts: it.Attempts,
	}

	switch it.Status {
	case model.StatusFailed:
		v.Error = it.Error
		v.CanRetry = true
	case model.StatusSuccess:
		v.CanRetry = true
		if it.Image != nil {
			v.CanDownload = true
			v.ImageURL = ImageURL(sessionID, it.Position)
			v.DownloadName = DownloadName(it.AngleLabel)
			if opts.InlineImages {
				v.DataURI = it.Image.DataURI()
			}
		}
	}
	return v
}

// BuildViews renders every item of snap in position order.
func BuildViews(snap orchestrator.Snapshot, sessionID string, opts ViewOptions) []ItemView {
	views := make([]ItemView, len(snap.Items))
	for i, it := range snap.Items {
		views[i] = BuildView(sessionID, it, opts)
	}
	return views
}

// BuildState wraps the item views with batch level flags.
func BuildState(sessionID string, hasSource bool, snap orchestrator.Snapshot, opts ViewOptions) StateView {
	return StateView{
		SessionID: sessionID,
		BatchID:   snap.BatchID,
		HasSource: hasSource,
		Items:     BuildViews(snap, sessionID, opts),
		Complete:  snap.Complete,
		Counts:    snap.Counts,
	}
}
