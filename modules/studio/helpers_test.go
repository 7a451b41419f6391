package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"multi-angle-studio/modules/common/metrics"
	"multi-angle-studio/modules/common/model"
	"multi-angle-studio/modules/generation"
	"multi-angle-studio/modules/intake"
	"multi-angle-studio/modules/presentation"
)

const waitTimeout = 3 * time.Second

func pngBytes(t testing.TB) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	img.Set(2, 2, color.NRGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeGenerator answers immediately unless gated. Fragments listed in
// failures fail with the given reason.
type fakeGenerator struct {
	image []byte

	mu       sync.Mutex
	gate     chan struct{}
	failures map[string]string
	calls    []string
}

func newFakeGenerator(t testing.TB) *fakeGenerator {
	return &fakeGenerator{image: pngBytes(t), failures: map[string]string{}}
}

func (g *fakeGenerator) Generate(ctx context.Context, src model.SourceImage, fragment string) (model.ImageResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, fragment)
	gate := g.gate
	reason, fail := g.failures[fragment]
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.ImageResult{}, ctx.Err()
		}
	}
	if fail {
		return model.ImageResult{}, &generation.Failure{Kind: generation.FailureNoImage, Reason: reason}
	}
	return model.ImageResult{Data: g.image, MIMEType: model.GeneratedImageMIMEType}, nil
}

func (g *fakeGenerator) failOn(fragment, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[fragment] = reason
}

func (g *fakeGenerator) succeedOn(fragment string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, fragment)
}

// hold parks every following call until the returned func is called.
func (g *fakeGenerator) hold() (release func()) {
	gate := make(chan struct{})
	g.mu.Lock()
	g.gate = gate
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.gate = nil
		g.mu.Unlock()
		close(gate)
	}
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type testEnv struct {
	gen      *fakeGenerator
	sessions *SessionManager
	server   *httptest.Server
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	gen := newFakeGenerator(t)
	reg := prometheus.NewRegistry()
	deps := Deps{
		Generator:     gen,
		Intake:        intake.NewService(1<<20, zap.NewNop()),
		Metrics:       metrics.NewCollector("angle_studio", reg, zap.NewNop()),
		Logger:        zap.NewNop(),
		DownloadDelay: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&deps)
	}

	sm := NewSessionManager(deps)
	srv := httptest.NewServer(NewServer(sm, reg).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = sm.Shutdown(ctx)
	})
	return &testEnv{gen: gen, sessions: sm, server: srv, registry: reg}
}

func (e *testEnv) url(path string) string {
	return e.server.URL + path
}

func (e *testEnv) uploadPNG(t *testing.T, sessionID string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "subject.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.url("/api/sessions/"+sessionID+"/source"), mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	var body io.Reader = http.NoBody
	if v != nil {
		payload, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(payload)
	}
	resp, err := http.Post(e.url(path), "application/json", body)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) state(t *testing.T, sessionID string) presentation.StateView {
	t.Helper()
	resp, err := http.Get(e.url("/api/sessions/" + sessionID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st presentation.StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (e *testEnv) waitComplete(t *testing.T, sessionID string) presentation.StateView {
	t.Helper()
	var st presentation.StateView
	require.Eventually(t, func() bool {
		st = e.state(t, sessionID)
		return st.Complete
	}, waitTimeout, 10*time.Millisecond)
	return st
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
