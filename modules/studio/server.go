package studio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"multi-angle-studio/modules/angles"
	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/common/utils"
	"multi-angle-studio/modules/intake"
	"multi-angle-studio/modules/orchestrator"
	"multi-angle-studio/modules/presentation"
)

// multipart 오버헤드 여유분
const multipartSlack = 1 << 20

// Server exposes the studio over HTTP and websocket.
type Server struct {
	sessions *SessionManager
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(sessions *SessionManager, gatherer prometheus.Gatherer) *Server {
	return &Server{
		sessions: sessions,
		gatherer: gatherer,
		logger:   sessions.logger,
		upgrader: websocket.Upgrader{
			// 개발용 - 모든 origin 허용
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(recovery(s.logger))
	r.Use(requestLogger(s.logger, s.sessions.deps.Metrics))
	r.Use(enableCORS)

	r.HandleFunc("/", s.healthCheck).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/admin/cleanup", s.forceCleanup).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/angles", s.listAngles).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}", s.getSessionState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}/source", s.uploadSource).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/source", s.getSource).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}/generate", s.generate).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/items/{position:[0-9]+}/retry", s.retryItem).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sessionId}/items/{position:[0-9]+}/image", s.getItemImage).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sessionId}/downloads", s.getDownloads).Methods(http.MethodGet)

	// preflight가 매칭되어야 CORS 미들웨어가 실행됨
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, intake.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, intake.ErrNotImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, intake.ErrUndecodable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, intake.ErrEmpty),
		errors.Is(err, utils.ErrInvalidDataURI),
		errors.Is(err, angles.ErrUnknownAngle),
		errors.Is(err, orchestrator.ErrNoAngles),
		errors.Is(err, presentation.ErrUnsupportedFormat),
		errors.Is(err, ErrInvalidSessionID):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoSource),
		errors.Is(err, orchestrator.ErrItemBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoBatch),
		errors.Is(err, orchestrator.ErrInvalidPosition):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("❌ Request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// 헬스 체크 엔드포인트
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "multi-angle-studio",
	})
}

// WebSocket 핸들러
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// URL 파라미터에서 세션 ID와 사용자 ID 추출
	sessionID := r.URL.Query().Get("session")
	userID := r.URL.Query().Get("user")
	if sessionID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "missing session or user parameter")
		return
	}

	session, err := s.sessions.GetOrCreate(sessionID)
	if err != nil {
		s.fail(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("🔍 New WebSocket connection",
		zap.String("session", sessionID),
		zap.String("user", userID))
	s.sessions.join(session, newClient(conn, session, userID))
}

func (s *Server) listAngles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"angles":     angles.ListAngles(),
		"labelLimit": angles.LabelLimit,
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetOrCreate(NewSessionID())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.State())
}

// 세션 상태 조회. 메모리에 없으면 저장된 스냅샷으로 응답
func (s *Server) getSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if session, ok := s.sessions.Get(sessionID); ok {
		writeJSON(w, http.StatusOK, session.State())
		return
	}

	var stored presentation.StateView
	found, err := s.sessions.LoadStoredState(r.Context(), sessionID, &stored)
	if err != nil {
		s.logger.Warn("⚠️ Failed to load stored session state", zap.String("session", sessionID), zap.Error(err))
	}
	if !found {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	stored.Live = false
	writeJSON(w, http.StatusOK, stored)
}

type sourceJSON struct {
	DataURI string `json:"dataUri"`
}

// 원본 이미지 업로드: multipart "image" 필드, JSON {dataUri}, 또는 raw 바디
func (s *Server) uploadSource(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetOrCreate(mux.Vars(r)["sessionId"])
	if err != nil {
		s.fail(w, err)
		return
	}

	svc := s.sessions.deps.Intake
	r.Body = http.MaxBytesReader(w, r.Body, svc.MaxBytes()+multipartSlack)

	src, err := s.readSource(r, svc)
	if err != nil {
		s.fail(w, err)
		return
	}

	session.ReplaceSource(src)
	writeJSON(w, http.StatusOK, map[string]any{
		"source": src,
		"state":  session.State(),
	})
}

func (s *Server) readSource(r *http.Request, svc *intake.Service) (model.SourceImage, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch {
	case mediaType == "multipart/form-data":
		file, header, err := r.FormFile("image")
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return model.SourceImage{}, err
			}
			return model.SourceImage{}, fmt.Errorf("%w: missing image field", intake.ErrEmpty)
		}
		defer file.Close()
		return svc.Accept(r.Context(), intake.Upload{
			Filename:     header.Filename,
			DeclaredType: header.Header.Get("Content-Type"),
			Body:         file,
		})

	case mediaType == "application/json":
		var body sourceJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return model.SourceImage{}, fmt.Errorf("%w: %v", utils.ErrInvalidDataURI, err)
		}
		return svc.AcceptDataURI(r.Context(), body.DataURI)

	default:
		return svc.Accept(r.Context(), intake.Upload{
			Filename:     r.URL.Query().Get("filename"),
			DeclaredType: mediaType,
			Body:         r.Body,
		})
	}
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(mux.Vars(r)["sessionId"])
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	src, ok := session.Source()
	if !ok {
		writeError(w, http.StatusNotFound, "No source image")
		return
	}
	w.Header().Set("Content-Type", src.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(src.Data)
}

type generateRequest struct {
	Angles      []string `json:"angles"`
	CustomAngle string   `json:"customAngle"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetOrCreate(mux.Vars(r)["sessionId"])
	if err != nil {
		s.fail(w, err)
		return
	}

	var req generateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	snap, err := session.Generate(r.Context(), req.Angles, req.CustomAngle)
	if err != nil {
		s.fail(w, err)
		return
	}

	st := presentation.BuildState(session.ID(), true, snap, presentation.ViewOptions{})
	st.Live = true
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) sessionAndPosition(w http.ResponseWriter, r *http.Request) (*Session, int, bool) {
	vars := mux.Vars(r)
	session, ok := s.sessions.Get(vars["sessionId"])
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, 0, false
	}
	position, err := strconv.Atoi(vars["position"])
	if err != nil {
		writeError(w, http.StatusNotFound, orchestrator.ErrInvalidPosition.Error())
		return nil, 0, false
	}
	return session, position, true
}

func (s *Server) retryItem(w http.ResponseWriter, r *http.Request) {
	session, position, ok := s.sessionAndPosition(w, r)
	if !ok {
		return
	}
	item, err := session.Retry(r.Context(), position)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, presentation.BuildView(session.ID(), item, presentation.ViewOptions{}))
}

func (s *Server) getItemImage(w http.ResponseWriter, r *http.Request) {
	session, position, ok := s.sessionAndPosition(w, r)
	if !ok {
		return
	}
	item, ok := session.Snapshot().Item(position)
	if !ok || item.Status != model.StatusSuccess || item.Image == nil {
		writeError(w, http.StatusNotFound, "Image not available")
		return
	}

	encoded, err := presentation.EncodeImage(*item.Image, r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", encoded.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		name := presentation.WithExt(presentation.DownloadName(item.AngleLabel), encoded.Ext)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	_, _ = w.Write(encoded.Data)
}

func (s *Server) getDownloads(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.Get(mux.Vars(r)["sessionId"])
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, presentation.DownloadPlan(session.Snapshot(), session.ID(), s.sessions.deps.DownloadDelay))
}

// 서버 통계 조회 엔드포인트
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}

// 세션 강제 정리 (관리자용)
func (s *Server) forceCleanup(w http.ResponseWriter, r *http.Request) {
	empty := s.sessions.CleanupEmptySessions()
	expired := s.sessions.CleanupExpiredSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "Cleanup completed",
		"empty":   empty,
		"expired": expired,
	})
}
