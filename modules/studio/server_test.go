package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"multi-angle-studio/modules/angles"
	"multi-angle-studio/modules/common/model"
	studioredis "multi-angle-studio/modules/common/redis"
	"multi-angle-studio/modules/common/utils"
	"multi-angle-studio/modules/intake"
	"multi-angle-studio/modules/orchestrator"
	"multi-angle-studio/modules/presentation"
)

const noImageReason = "Model response did not contain an image."

func TestHealthAndAngles(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/", "/health"} {
		resp, err := http.Get(env.url(path))
		require.NoError(t, err)
		body := decode[map[string]string](t, resp)
		assert.Equal(t, "healthy", body["status"])
	}

	resp, err := http.Get(env.url("/api/angles"))
	require.NoError(t, err)
	body := decode[struct {
		Angles     []angles.AngleSpec `json:"angles"`
		LabelLimit int                `json:"labelLimit"`
	}](t, resp)
	require.Len(t, body.Angles, 8)
	assert.Equal(t, "front", body.Angles[0].ID)
	assert.Equal(t, 20, body.LabelLimit)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.url("/api/sessions/s1/generate"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestGenerateFlow(t *testing.T) {
	env := newTestEnv(t)
	env.gen.failOn("view from the left side profile", noImageReason)

	resp := env.uploadPNG(t, "s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	uploaded := decode[struct {
		Source model.SourceImage      `json:"source"`
		State  presentation.StateView `json:"state"`
	}](t, resp)
	assert.Equal(t, "image/png", uploaded.Source.MIMEType)
	assert.Equal(t, 8, uploaded.Source.Width)
	assert.True(t, uploaded.State.HasSource)
	assert.Empty(t, uploaded.State.Items)

	resp = env.postJSON(t, "/api/sessions/s1/generate", map[string]any{"angles": []string{"front", "left"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[presentation.StateView](t, resp)
	require.Len(t, started.Items, 2)
	for _, it := range started.Items {
		assert.Equal(t, model.StatusLoading, it.Status)
	}

	final := env.waitComplete(t, "s1")
	require.Len(t, final.Items, 2)
	assert.Equal(t, model.StatusSuccess, final.Items[0].Status)
	assert.Equal(t, "Front View", final.Items[0].Label)
	assert.Equal(t, "/api/sessions/s1/items/0/image", final.Items[0].ImageURL)
	assert.Equal(t, model.StatusFailed, final.Items[1].Status)
	assert.Equal(t, noImageReason, final.Items[1].Error)
	assert.True(t, final.Items[1].CanRetry)

	// 성공 이미지 다운로드
	resp, err := http.Get(env.url("/api/sessions/s1/items/0/image?download=1"))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=multi-angle-front-view.png`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, env.gen.image, data)

	resp, err = http.Get(env.url("/api/sessions/s1/items/0/image?format=webp&download=true"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "multi-angle-front-view.webp")

	resp, err = http.Get(env.url("/api/sessions/s1/items/1/image"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "failed items have no image")

	resp, err = http.Get(env.url("/api/sessions/s1/downloads"))
	require.NoError(t, err)
	plan := decode[presentation.Plan](t, resp)
	require.Len(t, plan.Files, 1)
	assert.Equal(t, "multi-angle-front-view.png", plan.Files[0].Name)
	assert.Equal(t, int64(10), plan.DelayMS)

	// Left 재시도 → 성공
	env.gen.succeedOn("view from the left side profile")
	resp = env.postJSON(t, "/api/sessions/s1/items/1/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	view := decode[presentation.ItemView](t, resp)
	assert.Equal(t, model.StatusLoading, view.Status)
	assert.Empty(t, view.Error)

	final = env.waitComplete(t, "s1")
	assert.Equal(t, model.StatusSuccess, final.Items[1].Status)
	assert.Equal(t, 2, final.Items[1].Attempts)
	assert.Equal(t, 1, final.Items[0].Attempts, "front was never re-issued")
}

func TestRetryConflictsAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	release := env.gen.hold()
	defer release()

	require.Equal(t, http.StatusOK, env.uploadPNG(t, "s2").StatusCode)
	resp := env.postJSON(t, "/api/sessions/s2/generate", map[string]any{"angles": []string{"top"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/api/sessions/s2/items/0/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "retry while loading")
	resp.Body.Close()

	resp = env.postJSON(t, "/api/sessions/s2/items/7/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/api/sessions/unknown/items/0/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool { return env.gen.callCount() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestGenerateErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/sessions/s3/generate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no source uploaded")
	resp.Body.Close()

	require.Equal(t, http.StatusOK, env.uploadPNG(t, "s3").StatusCode)

	resp = env.postJSON(t, "/api/sessions/s3/generate", map[string]any{"angles": []string{"sideways"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/api/sessions/bad%20id/generate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGenerateWholeCatalogWithCustomAngle(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.uploadPNG(t, "s4").StatusCode)

	resp := env.postJSON(t, "/api/sessions/s4/generate", map[string]any{"customAngle": "back view, slightly tilted"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st := decode[presentation.StateView](t, resp)

	require.Len(t, st.Items, 9)
	assert.Equal(t, "back view, slightly…", st.Items[8].Label)

	final := env.waitComplete(t, "s4")
	assert.Equal(t, "multi-angle-back-view-slightly.png", final.Items[8].DownloadName)
}

func TestUploadVariants(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/sessions/s5/source", map[string]string{
		"dataUri": model.DataURI("image/png", pngBytes(t)),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Post(env.url("/api/sessions/s5/source?filename=raw.png"), "image/png", strings.NewReader(string(pngBytes(t))))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(env.url("/api/sessions/s5/source"), "text/plain", strings.NewReader("just text"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(env.url("/api/sessions/s5/source"), "image/png", strings.NewReader(strings.Repeat("x", 1<<20+16)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.url("/api/sessions/s5/source"))
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, pngBytes(t), data, "rejected uploads keep the previous source")
}

func TestNewUploadDiscardsBatch(t *testing.T) {
	env := newTestEnv(t)
	release := env.gen.hold()

	require.Equal(t, http.StatusOK, env.uploadPNG(t, "s6").StatusCode)
	resp := env.postJSON(t, "/api/sessions/s6/generate", map[string]any{"angles": []string{"front", "iso"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, env.uploadPNG(t, "s6").StatusCode)
	release()

	time.Sleep(50 * time.Millisecond)
	st := env.state(t, "s6")
	assert.Empty(t, st.Items, "results of the old source never appear")
	assert.Empty(t, st.BatchID)
	assert.True(t, st.HasSource)
}

func TestCreateSessionAndStats(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[presentation.StateView](t, resp)
	assert.True(t, ValidSessionID(created.SessionID))
	assert.True(t, created.Live)

	resp, err := http.Get(env.url("/api/stats"))
	require.NoError(t, err)
	stats := decode[StatsView](t, resp)
	assert.Equal(t, 1, stats.ActiveSessions)
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, created.SessionID, stats.Sessions[0].SessionID)

	resp = env.postJSON(t, "/admin/cleanup", nil)
	cleanup := decode[map[string]any](t, resp)
	assert.Equal(t, float64(1), cleanup["empty"])

	resp, err = http.Get(env.url("/api/sessions/" + created.SessionID))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.uploadPNG(t, "m1").StatusCode)
	resp := env.postJSON(t, "/api/sessions/m1/generate", map[string]any{"angles": []string{"front"}})
	resp.Body.Close()
	env.waitComplete(t, "m1")

	resp, err := http.Get(env.url("/metrics"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	assert.Contains(t, text, `angle_studio_generations_total{angle="front",outcome="success"} 1`)
	assert.Contains(t, text, "angle_studio_batches_started_total 1")
	assert.Contains(t, text, `route="/api/sessions/{sessionId}/generate"`)
}

func TestStoredSnapshotFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := studioredis.NewSnapshotStore(rdb, time.Hour, zap.NewNop())

	env := newTestEnv(t, func(d *Deps) {
		d.Store = store
		d.InactiveAfter = 20 * time.Millisecond
	})

	require.Equal(t, http.StatusOK, env.uploadPNG(t, "r1").StatusCode)
	resp := env.postJSON(t, "/api/sessions/r1/generate", map[string]any{"angles": []string{"front"}})
	resp.Body.Close()
	env.waitComplete(t, "r1")

	// 저장은 비동기
	require.Eventually(t, func() bool {
		var st presentation.StateView
		found, err := store.Load(context.Background(), "r1", &st)
		return err == nil && found && st.Complete
	}, waitTimeout, 10*time.Millisecond)
	assert.Greater(t, mr.TTL("studio:session:r1:state"), time.Duration(0))

	// 다른 프로세스가 남긴 스냅샷은 live=false로 조회됨
	require.NoError(t, store.Save(context.Background(), "orphan", presentation.StateView{SessionID: "orphan", Complete: true, Live: true}))
	st := env.state(t, "orphan")
	assert.Equal(t, "orphan", st.SessionID)
	assert.False(t, st.Live)

	// 세션 정리 시 스냅샷 삭제
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, env.sessions.CleanupExpiredSessions())
	assert.False(t, mr.Exists("studio:session:r1:state"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{intake.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{intake.ErrNotImage, http.StatusUnsupportedMediaType},
		{intake.ErrUndecodable, http.StatusUnprocessableEntity},
		{intake.ErrEmpty, http.StatusBadRequest},
		{utils.ErrInvalidDataURI, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", angles.ErrUnknownAngle), http.StatusBadRequest},
		{orchestrator.ErrNoSource, http.StatusConflict},
		{orchestrator.ErrItemBusy, http.StatusConflict},
		{orchestrator.ErrNoBatch, http.StatusNotFound},
		{orchestrator.ErrInvalidPosition, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
