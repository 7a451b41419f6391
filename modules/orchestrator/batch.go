package orchestrator

import (
	"time"

	"multi-angle-studio/modules/angles"
	"multi-angle-studio/modules/common/model"
)

// Item is one requested angle. Position is its stable key within a batch.
type Item struct {
	Position       int                `json:"position"`
	AngleID        string             `json:"angleId"`
	AngleLabel     string             `json:"angleLabel"`
	PromptFragment string             `json:"promptFragment"`
	Status         model.Status       `json:"status"`
	Image          *model.ImageResult `json:"image,omitempty"`
	Error          string             `json:"error,omitempty"`
	Attempts       int                `json:"attempts"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Counts - 상태별 아이템 수
type Counts struct {
	Loading int `json:"loading"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Snapshot is a copy of the current batch safe to hand to other goroutines.
// Image bytes are shared with the batch; they are never mutated in place.
type Snapshot struct {
	BatchID     string     `json:"batchId,omitempty"`
	Items       []Item     `json:"items"`
	StartedAt   time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Complete    bool       `json:"complete"`
	Counts      Counts     `json:"counts"`
}

// HasBatch reports whether a batch was running when the snapshot was taken.
func (s Snapshot) HasBatch() bool {
	return s.BatchID != ""
}

// Item returns the item at position.
func (s Snapshot) Item(position int) (Item, bool) {
	if position < 0 || position >= len(s.Items) {
		return Item{}, false
	}
	return s.Items[position], true
}

// batch - 한 번의 Generate 호출에 해당하는 아이템 배열
// 길이와 순서는 생성 후 고정, 각 고루틴은 자기 position만 갱신
type batch struct {
	id          string
	src         model.SourceImage
	items       []Item
	startedAt   time.Time
	completedAt time.Time
	// completed latches once batch_completed has been published; a retry
	// does not clear it.
	completed bool
}

func newBatch(id string, src model.SourceImage, specs []angles.AngleSpec, now time.Time) *batch {
	b := &batch{
		id:        id,
		src:       src,
		items:     make([]Item, len(specs)),
		startedAt: now,
	}
	for i, spec := range specs {
		b.items[i] = Item{
			Position:       i,
			AngleID:        spec.ID,
			AngleLabel:     spec.Label,
			PromptFragment: spec.PromptFragment,
			Status:         model.StatusLoading,
			Attempts:       1,
			UpdatedAt:      now,
		}
	}
	return b
}

func (b *batch) validPosition(position int) bool {
	return position >= 0 && position < len(b.items)
}

func (b *batch) allTerminal() bool {
	for _, it := range b.items {
		if !it.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (b *batch) counts() Counts {
	var c Counts
	for _, it := range b.items {
		switch it.Status {
		case model.StatusLoading:
			c.Loading++
		case model.StatusSuccess:
			c.Success++
		case model.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// isComplete reports whether every item is terminal right now. A retried
// item puts the batch back to incomplete until it resolves.
func (b *batch) isComplete() bool {
	return b.completed && b.allTerminal()
}

func (b *batch) snapshot() Snapshot {
	s := Snapshot{
		BatchID:   b.id,
		Items:     make([]Item, len(b.items)),
		StartedAt: b.startedAt,
		Complete:  b.isComplete(),
		Counts:    b.counts(),
	}
	for i, it := range b.items {
		s.Items[i] = copyItem(it)
	}
	if s.Complete {
		at := b.completedAt
		s.CompletedAt = &at
	}
	return s
}

func copyItem(it Item) Item {
	if it.Image != nil {
		img := *it.Image
		it.Image = &img
	}
	return it
}
