package studio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"multi-angle-studio/modules/presentation"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// 연결된 클라이언트 정보
type Client struct {
	conn    *websocket.Conn
	session *Session
	userID  string
	send    chan []byte
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// lightbox는 readPump 고루틴에서만 접근
	lightbox presentation.Lightbox

	downloadMu     sync.Mutex
	downloadCancel context.CancelFunc
}

func newClient(conn *websocket.Conn, session *Session, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		session: session,
		userID:  userID,
		send:    make(chan []byte, sendBuffer),
		logger:  session.logger.With(zap.String("user", userID)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// 클라이언트로부터 메시지 읽기
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.session.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		var message ClientMessage
		if err := c.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
		c.session.touch()
		c.handle(message)
	}
}

func (c *Client) handle(message ClientMessage) {
	switch message.Type {
	case CmdRetry:
		if message.Position == nil {
			c.sendError("retry requires a position")
			return
		}
		if _, err := c.session.Retry(c.ctx, *message.Position); err != nil {
			c.sendError(err.Error())
		}

	case CmdDownloadAll:
		c.startDownloads()

	case CmdLightboxOpen:
		if message.Position == nil {
			c.sendError("lightbox_open requires a position")
			return
		}
		if err := c.lightbox.Open(*message.Position, c.session.Snapshot()); err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendLightbox()

	case CmdLightboxNext:
		c.lightbox.Next(c.session.Snapshot())
		c.sendLightbox()

	case CmdLightboxPrev:
		c.lightbox.Prev(c.session.Snapshot())
		c.sendLightbox()

	case CmdLightboxClose:
		c.lightbox.Close()
		c.sendLightbox()

	case CmdRequestState:
		_ = c.session.sendTo(c, Message{Type: MsgSnapshot, State: c.session.statePtr()})

	default:
		c.logger.Debug("Unknown message type", zap.String("type", message.Type))
		c.sendError("unknown message type: " + message.Type)
	}
}

func (c *Client) sendError(reason string) {
	_ = c.session.sendTo(c, Message{Type: MsgError, Error: reason})
}

func (c *Client) sendLightbox() {
	st := c.lightbox.State(c.session.Snapshot(), c.session.id)
	_ = c.session.sendTo(c, Message{Type: MsgLightbox, Lightbox: &st})
}

// startDownloads pushes one download message per successful item, spaced by
// the configured delay. A new request replaces one still running.
func (c *Client) startDownloads() {
	snap := c.session.Snapshot()
	plan := presentation.DownloadPlan(snap, c.session.id, c.session.deps.DownloadDelay)
	if len(plan.Files) == 0 {
		c.sendError("no successful images to download")
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.downloadMu.Lock()
	if c.downloadCancel != nil {
		c.downloadCancel()
	}
	c.downloadCancel = cancel
	c.downloadMu.Unlock()

	total := len(plan.Files)
	go func() {
		defer cancel()
		index := 0
		err := presentation.Serialize(ctx, plan.Files, plan.Delay, func(f presentation.DownloadFile) error {
			index++
			file := f
			return c.session.sendTo(c, Message{
				Type:     MsgDownload,
				BatchID:  snap.BatchID,
				Download: &file,
				Index:    index,
				Total:    total,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClientGone) {
			c.logger.Warn("⚠️ [Studio] Bulk download interrupted", zap.Error(err))
		}
	}()
}

// 클라이언트로 메시지 쓰기
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			// 연결을 닫으면 readPump가 종료를 감지하고 정리함
			c.logger.Warn("WebSocket write error", zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
