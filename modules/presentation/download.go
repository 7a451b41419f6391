package presentation

import (
	"context"
	"strings"
	"time"
	"unicode"

	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/orchestrator"
)

const (
	downloadPrefix   = "multi-angle-"
	downloadExt      = ".png"
	fallbackDownload = "multi-angle-image.png"
)

// DownloadName derives a file name from an angle label:
// "Front View" -> "multi-angle-front-view.png".
func DownloadName(label string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(label) {
		if unicode.IsSpace(r) {
			pendingSep = b.Len() > 0
			continue
		}
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			continue
		}
		if pendingSep {
			b.WriteByte('-')
			pendingSep = false
		}
		b.WriteRune(r)
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fallbackDownload
	}
	return downloadPrefix + slug + downloadExt
}

// DownloadFile is one entry of a bulk download.
type DownloadFile struct {
	Position int    `json:"position"`
	Label    string `json:"label"`
	Name     string `json:"name"`
	URL      string `json:"url"`
}

// Plan lists the files of a bulk download and the pause between them.
type Plan struct {
	Files   []DownloadFile `json:"files"`
	DelayMS int64          `json:"delayMs"`
	Delay   time.Duration  `json:"-"`
}

// DownloadPlan returns the successful items of snap in position order.
func DownloadPlan(snap orchestrator.Snapshot, sessionID string, delay time.Duration) Plan {
	p := Plan{Files: []DownloadFile{}, Delay: delay, DelayMS: delay.Milliseconds()}
	for _, it := range snap.Items {
		if it.Status != model.StatusSuccess || it.Image == nil {
			continue
		}
		p.Files = append(p.Files, DownloadFile{
			Position: it.Position,
			Label:    it.AngleLabel,
			Name:     DownloadName(it.AngleLabel),
			URL:      ImageURL(sessionID, it.Position) + "?download=1",
		})
	}
	return p
}

// Serialize hands files to emit one at a time with delay between them.
// It stops at the first emit error or when ctx is done.
func Serialize(ctx context.Context, files []DownloadFile, delay time.Duration, emit func(DownloadFile) error) error {
	for i, f := range files {
		if i > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}
