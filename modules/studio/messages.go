package studio

import (
	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/orchestrator"
	"multi-angle-studio/modules/presentation"
)

// 서버 → 클라이언트 메시지 타입
const (
	MsgSnapshot       = "snapshot"
	MsgSourceReplaced = "source_replaced"
	MsgBatchStarted   = "batch_started"
	MsgItemUpdated    = "item_updated"
	MsgBatchCompleted = "batch_completed"
	MsgDownload       = "download"
	MsgLightbox       = "lightbox"
	MsgError          = "error"
)

// 클라이언트 → 서버 메시지 타입
const (
	CmdRetry         = "retry"
	CmdDownloadAll   = "download_all"
	CmdLightboxOpen  = "lightbox_open"
	CmdLightboxNext  = "lightbox_next"
	CmdLightboxPrev  = "lightbox_prev"
	CmdLightboxClose = "lightbox_close"
	CmdRequestState  = "request_state"
)

// Message is everything the server pushes over the websocket.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	BatchID   string `json:"batchId,omitempty"`

	State    *presentation.StateView     `json:"state,omitempty"`
	Items    []presentation.ItemView     `json:"items,omitempty"`
	Item     *presentation.ItemView      `json:"item,omitempty"`
	Counts   *orchestrator.Counts        `json:"counts,omitempty"`
	Source   *model.SourceImage          `json:"source,omitempty"`
	Download *presentation.DownloadFile  `json:"download,omitempty"`
	Index    int                         `json:"index,omitempty"`
	Total    int                         `json:"total,omitempty"`
	Lightbox *presentation.LightboxState `json:"lightbox,omitempty"`
	Error    string                      `json:"error,omitempty"`
}

// ClientMessage is a command sent by a browser tab.
type ClientMessage struct {
	Type     string `json:"type"`
	Position *int   `json:"position,omitempty"`
}
