package studio

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidSessionID = errors.New("invalid session id")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id may name a session.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// 세션 매니저
type SessionManager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
	stats    *ServerStats
	deps     *Deps
	logger   *zap.Logger
}

// 서버 통계
type ServerStats struct {
	TotalSessions    int       `json:"totalSessions"`
	ActiveSessions   int       `json:"activeSessions"`
	TotalConnections int       `json:"totalConnections"`
	StartTime        time.Time `json:"startTime"`
	mutex            sync.RWMutex
}

// SessionInfo summarizes one session for the stats endpoint.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	ClientCount  int       `json:"clientCount"`
	HasSource    bool      `json:"hasSource"`
	BatchID      string    `json:"batchId,omitempty"`
	Complete     bool      `json:"complete"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Age          string    `json:"age"`
	Inactive     string    `json:"inactive"`
}

// StatsView is the body of GET /api/stats.
type StatsView struct {
	Uptime           string        `json:"uptime"`
	StartTime        time.Time     `json:"startTime"`
	TotalSessions    int           `json:"totalSessions"`
	ActiveSessions   int           `json:"activeSessions"`
	TotalConnections int           `json:"totalConnections"`
	CurrentClients   int           `json:"currentClients"`
	Sessions         []SessionInfo `json:"sessions"`
}

func NewSessionManager(deps Deps) *SessionManager {
	deps.withDefaults()
	return &SessionManager{
		sessions: make(map[string]*Session),
		stats:    &ServerStats{StartTime: time.Now()},
		deps:     &deps,
		logger:   deps.Logger.With(zap.String("component", "studio")),
	}
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// GetOrCreate - 세션 가져오기 또는 생성
func (sm *SessionManager) GetOrCreate(sessionID string) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		session = newSession(sessionID, sm.deps)
		sm.sessions[sessionID] = session

		sm.stats.mutex.Lock()
		sm.stats.TotalSessions++
		sm.stats.ActiveSessions++
		total, active := sm.stats.TotalSessions, sm.stats.ActiveSessions
		sm.stats.mutex.Unlock()

		sm.deps.Metrics.SetActiveSessions(len(sm.sessions))
		sm.logger.Info("✅ Created new session",
			zap.String("session", sessionID),
			zap.Int("total", total),
			zap.Int("active", active))
		return session, nil
	}

	session.touch()
	return session, nil
}

// Get returns an existing session.
func (sm *SessionManager) Get(sessionID string) (*Session, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	session, ok := sm.sessions[sessionID]
	return session, ok
}

// join registers a websocket client and starts its pumps.
func (sm *SessionManager) join(session *Session, client *Client) {
	sm.stats.mutex.Lock()
	sm.stats.TotalConnections++
	sm.stats.mutex.Unlock()

	session.addClient(client)
	go client.writePump()
	go client.readPump()
}

// LoadStoredState reads the last saved view of a session that is no longer
// in memory.
func (sm *SessionManager) LoadStoredState(ctx context.Context, sessionID string, v any) (bool, error) {
	if sm.deps.Store == nil {
		return false, nil
	}
	return sm.deps.Store.Load(ctx, sessionID, v)
}

// 세션 제거 (락을 잡은 상태에서 호출)
func (sm *SessionManager) removeLocked(sessionID string) *Session {
	session, ok := sm.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(sm.sessions, sessionID)

	sm.stats.mutex.Lock()
	sm.stats.ActiveSessions--
	sm.stats.mutex.Unlock()
	return session
}

// CleanupEmptySessions removes sessions nobody is connected to that hold
// neither a source nor a batch.
func (sm *SessionManager) CleanupEmptySessions() int {
	sm.mutex.Lock()
	var removed []*Session
	for sessionID, session := range sm.sessions {
		_, hasSource := session.Source()
		isEmpty := session.clientCount() == 0 && !hasSource && !session.Snapshot().HasBatch()
		if isEmpty {
			removed = append(removed, sm.removeLocked(sessionID))
			sm.logger.Info("🧹 Cleaned up empty session", zap.String("session", sessionID))
		}
	}
	remaining := len(sm.sessions)
	sm.mutex.Unlock()

	for _, session := range removed {
		session.close("empty")
	}
	sm.deps.Metrics.SetActiveSessions(remaining)
	if len(removed) > 0 {
		sm.logger.Info("🗑️ Cleaned up empty sessions", zap.Int("cleaned", len(removed)), zap.Int("active", remaining))
	}
	return len(removed)
}

// CleanupExpiredSessions removes sessions older than ExpireAfter and idle
// sessions without clients older than InactiveAfter.
func (sm *SessionManager) CleanupExpiredSessions() int {
	now := time.Now()

	sm.mutex.Lock()
	var removed []*Session
	for sessionID, session := range sm.sessions {
		session.mutex.RLock()
		age := now.Sub(session.createdAt)
		idle := now.Sub(session.lastActivity)
		clients := len(session.clients)
		session.mutex.RUnlock()

		isExpired := age > sm.deps.ExpireAfter
		isInactive := idle > sm.deps.InactiveAfter && clients == 0
		if !isExpired && !isInactive {
			continue
		}

		removed = append(removed, sm.removeLocked(sessionID))
		reason := "expired"
		if !isExpired {
			reason = "inactive"
		}
		sm.logger.Info("⏰ Cleaned up session",
			zap.String("session", sessionID),
			zap.String("reason", reason),
			zap.Duration("age", age),
			zap.Duration("inactive", idle))
	}
	remaining := len(sm.sessions)
	sm.mutex.Unlock()

	for _, session := range removed {
		session.close("expired")
	}
	sm.deps.Metrics.SetActiveSessions(remaining)
	if len(removed) > 0 {
		sm.logger.Info("🧼 Cleaned up expired/inactive sessions", zap.Int("cleaned", len(removed)), zap.Int("active", remaining))
	}
	return len(removed)
}

// StartCleanupRoutine runs both cleanups periodically until ctx is done.
func (sm *SessionManager) StartCleanupRoutine(ctx context.Context) {
	// 5분마다 빈 세션 정리
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.CleanupEmptySessions()
			}
		}
	}()

	// 30분마다 만료된 세션 정리
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.CleanupExpiredSessions()
			}
		}
	}()

	sm.logger.Info("🔄 Started session cleanup routines (Empty: 5min, Expired: 30min)")
}

// Stats returns server and per-session counters.
func (sm *SessionManager) Stats() StatsView {
	sm.stats.mutex.RLock()
	view := StatsView{
		StartTime:        sm.stats.StartTime,
		Uptime:           time.Since(sm.stats.StartTime).String(),
		TotalSessions:    sm.stats.TotalSessions,
		ActiveSessions:   sm.stats.ActiveSessions,
		TotalConnections: sm.stats.TotalConnections,
	}
	sm.stats.mutex.RUnlock()

	sm.mutex.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mutex.RUnlock()

	view.Sessions = make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := s.Info()
		view.CurrentClients += info.ClientCount
		view.Sessions = append(view.Sessions, info)
	}
	return view
}

// Shutdown waits for in-flight generation calls, then closes every session.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mutex.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for id := range sm.sessions {
		sessions = append(sessions, sm.removeLocked(id))
	}
	sm.mutex.Unlock()
	sm.deps.Metrics.SetActiveSessions(0)

	var firstErr error
	for _, s := range sessions {
		if err := s.orch.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		s.close("shutdown")
	}
	sm.logger.Info("🛑 Sessions closed", zap.Int("count", len(sessions)))
	return firstErr
}
