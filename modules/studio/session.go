package studio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"multi-angle-studio/modules/angles"
	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/orchestrator"
	"multi-angle-studio/modules/presentation"
)

var ErrClientGone = errors.New("client disconnected")

// Session - 브라우저 탭 하나의 작업 상태 (원본 이미지 + 현재 배치 + 접속 클라이언트)
type Session struct {
	id     string
	deps   *Deps
	orch   *orchestrator.Orchestrator
	logger *zap.Logger

	// opMu serializes source replacement and batch start so a batch never
	// outlives the source it was generated from.
	opMu sync.Mutex

	mutex        sync.RWMutex
	clients      map[string]*Client
	source       model.SourceImage
	createdAt    time.Time
	lastActivity time.Time

	dirty  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id string, deps *Deps) *Session {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		deps:         deps,
		logger:       deps.Logger.With(zap.String("session", id)),
		clients:      make(map[string]*Client),
		createdAt:    now,
		lastActivity: now,
		dirty:        make(chan struct{}, 1),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.orch = orchestrator.New(deps.Generator, s.logger,
		orchestrator.WithObserver(s.onEvent),
		orchestrator.WithMaxConcurrency(deps.MaxConcurrency),
		orchestrator.WithMetrics(deps.Metrics),
	)
	go s.persistLoop(ctx)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) touch() {
	s.mutex.Lock()
	s.lastActivity = time.Now()
	s.mutex.Unlock()
}

// Source returns the current source image.
func (s *Session) Source() (model.SourceImage, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.source, !s.source.IsEmpty()
}

// ReplaceSource swaps the source wholesale and discards the current batch.
func (s *Session) ReplaceSource(src model.SourceImage) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mutex.Lock()
	s.source = src
	s.lastActivity = time.Now()
	s.mutex.Unlock()

	// 새 업로드는 이전 결과를 무효화
	s.orch.Discard()

	s.logger.Info("🖼️ [Studio] Source image replaced",
		zap.String("mimeType", src.MIMEType),
		zap.Int("bytes", len(src.Data)))

	meta := src
	s.broadcastToAll(Message{Type: MsgSourceReplaced, Source: &meta, State: s.statePtr()})
	s.markDirty()
}

// Generate starts a batch for the selected angles.
func (s *Session) Generate(ctx context.Context, angleIDs []string, customAngle string) (orchestrator.Snapshot, error) {
	specs, err := angles.Select(angleIDs, customAngle)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	src, _ := s.Source()
	s.touch()
	return s.orch.StartBatch(ctx, src, specs)
}

// Retry re-issues one item.
func (s *Session) Retry(ctx context.Context, position int) (orchestrator.Item, error) {
	s.touch()
	return s.orch.RetryItem(ctx, position)
}

// Snapshot returns the orchestrator state.
func (s *Session) Snapshot() orchestrator.Snapshot {
	return s.orch.Snapshot()
}

// State renders the session for clients.
func (s *Session) State() presentation.StateView {
	_, hasSource := s.Source()
	st := presentation.BuildState(s.id, hasSource, s.orch.Snapshot(), presentation.ViewOptions{})
	st.Live = true
	return st
}

func (s *Session) statePtr() *presentation.StateView {
	st := s.State()
	return &st
}

// onEvent runs synchronously inside the orchestrator; it only fans out.
func (s *Session) onEvent(ev orchestrator.Event) {
	msg := Message{SessionID: s.id, BatchID: ev.BatchID}
	switch ev.Type {
	case orchestrator.EventBatchStarted:
		msg.Type = MsgBatchStarted
		msg.Items = make([]presentation.ItemView, len(ev.Items))
		for i, it := range ev.Items {
			msg.Items[i] = presentation.BuildView(s.id, it, presentation.ViewOptions{})
		}
	case orchestrator.EventItemUpdated:
		v := presentation.BuildView(s.id, *ev.Item, presentation.ViewOptions{})
		msg.Type = MsgItemUpdated
		msg.Item = &v
	case orchestrator.EventBatchCompleted:
		msg.Type = MsgBatchCompleted
		msg.Counts = ev.Counts
	default:
		s.markDirty()
		return
	}
	s.broadcastToAll(msg)
	s.markDirty()
}

// 클라이언트를 세션에 추가
func (s *Session) addClient(client *Client) {
	s.mutex.Lock()
	old, replaced := s.clients[client.userID]
	if replaced {
		// 같은 사용자의 이전 연결은 교체
		close(old.send)
	}
	s.clients[client.userID] = client
	s.lastActivity = time.Now()
	clientCount := len(s.clients)
	s.mutex.Unlock()

	if !replaced {
		s.deps.Metrics.AddConnectedClients(1)
	}
	s.logger.Info("👤 [Studio] Client joined",
		zap.String("user", client.userID),
		zap.Int("clients", clientCount))

	_ = s.sendTo(client, Message{Type: MsgSnapshot, State: s.statePtr()})
}

// 클라이언트를 세션에서 제거
func (s *Session) removeClient(client *Client) {
	s.mutex.Lock()
	current, exists := s.clients[client.userID]
	if !exists || current != client {
		s.mutex.Unlock()
		return
	}
	close(client.send)
	delete(s.clients, client.userID)
	s.lastActivity = time.Now()
	remaining := len(s.clients)
	s.mutex.Unlock()

	s.deps.Metrics.AddConnectedClients(-1)
	s.logger.Info("👋 [Studio] Client left",
		zap.String("user", client.userID),
		zap.Int("remaining", remaining))
}

func (s *Session) clientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// 모든 클라이언트에게 메시지 브로드캐스트
func (s *Session) broadcastToAll(message Message) {
	message.SessionID = s.id
	messageBytes, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("Error marshaling message", zap.String("type", message.Type), zap.Error(err))
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for userID, client := range s.clients {
		select {
		case client.send <- messageBytes:
		default:
			// 버퍼가 가득 찬 느린 클라이언트는 끊음
			close(client.send)
			delete(s.clients, userID)
			s.deps.Metrics.AddConnectedClients(-1)
			s.logger.Warn("⚠️ [Studio] Dropped slow client", zap.String("user", userID))
		}
	}
}

// sendTo delivers message to one client if it is still connected.
func (s *Session) sendTo(client *Client, message Message) error {
	message.SessionID = s.id
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.clients[client.userID] != client {
		return ErrClientGone
	}
	select {
	case client.send <- messageBytes:
		return nil
	default:
		return ErrClientGone
	}
}

func (s *Session) markDirty() {
	if s.deps.Store == nil {
		return
	}
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// persistLoop writes the latest state to the store; bursts of events
// collapse into one write.
func (s *Session) persistLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty:
			s.persist(ctx)
		}
	}
}

func (s *Session) persist(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.deps.Store.Save(ctx, s.id, s.State()); err != nil {
		s.logger.Warn("⚠️ [Studio] Failed to save session snapshot", zap.Error(err))
	}
}

// close disconnects every client and drops the snapshot.
func (s *Session) close(reason string) {
	s.orch.Discard()

	s.mutex.Lock()
	for userID, client := range s.clients {
		close(client.send)
		delete(s.clients, userID)
		s.deps.Metrics.AddConnectedClients(-1)
		s.logger.Info("🔌 [Studio] Disconnecting client", zap.String("user", userID), zap.String("reason", reason))
	}
	s.mutex.Unlock()

	s.cancel()
	<-s.done

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.deps.Store.Delete(ctx, s.id); err != nil {
			s.logger.Warn("⚠️ [Studio] Failed to delete session snapshot", zap.Error(err))
		}
	}
}

// Info summarizes the session for the stats endpoint.
func (s *Session) Info() SessionInfo {
	snap := s.orch.Snapshot()

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return SessionInfo{
		SessionID:    s.id,
		ClientCount:  len(s.clients),
		HasSource:    !s.source.IsEmpty(),
		BatchID:      snap.BatchID,
		Complete:     snap.Complete,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Age:          time.Since(s.createdAt).String(),
		Inactive:     time.Since(s.lastActivity).String(),
	}
}
