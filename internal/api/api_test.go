package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wuwenbin0122/jechat/internal/analytics"
	"github.com/wuwenbin0122/jechat/internal/auth"
	"github.com/wuwenbin0122/jechat/internal/cache"
	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/prompt"
	"github.com/wuwenbin0122/jechat/internal/services"
)

type stubGenerator struct {
	reply string
	err   error
	calls int
}

func (s *stubGenerator) Generate(context.Context, string, string, models.GenerationParams) (string, error) {
	s.calls++
	return s.reply, s.err
}

type testEnv struct {
	router *gin.Engine
	gen    *stubGenerator
}

func setupTestRouter(t *testing.T, analyticsEnabled bool, rateLimit float64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	var sink db.EventSink
	if analyticsEnabled {
		sink = db.NewMemoryEvents(100)
	}
	recorder := analytics.NewRecorder(sink, nil, 0)

	gen := &stubGenerator{reply: "Here is a plan."}
	presets := services.NewPresetService(prompt.DefaultAppConfig(), nil, nil)
	chat := services.NewChatService(services.ChatConfig{
		DefaultModel: "HuggingFaceH4/zephyr-7b-beta",
		Models:       []string{"HuggingFaceH4/zephyr-7b-beta"},
		CacheTTL:     time.Minute,
	}, db.NewMemoryStore(), presets, gen, cache.NoopCache{}, recorder, nil)

	router := gin.New()
	router.Use(RequestID())
	NewHandler(authService, chat, presets, recorder, nil).WithRateLimit(rateLimit).RegisterRoutes(router)

	return &testEnv{router: router, gen: gen}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) startConversation(t *testing.T, body map[string]any) (string, map[string]any) {
	t.Helper()
	rec := e.do(newJSONRequest(t, http.MethodPost, "/api/conversations", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("expected session token in response")
	}
	conv, _ := resp["conversation"].(map[string]any)
	return token, conv
}

func TestAppDescribesPresetsAndModels(t *testing.T) {
	env := setupTestRouter(t, false, 0)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/app", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["appName"] != "JE AI Assistant" || resp["defaultPreset"] != "quality" {
		t.Fatalf("unexpected app response %v", resp)
	}
	if presets, _ := resp["presets"].([]any); len(presets) != 3 {
		t.Fatalf("expected 3 presets, got %v", resp["presets"])
	}
	if resp["analytics"] != false {
		t.Fatalf("expected analytics disabled")
	}
}

func TestIndexServesPage(t *testing.T) {
	env := setupTestRouter(t, false, 0)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<html") {
		t.Fatalf("expected chat page, got %d", rec.Code)
	}
}

func TestConversationRequiresSession(t *testing.T) {
	env := setupTestRouter(t, false, 0)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/conversation", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversation", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad token, got %d", rec.Code)
	}
}

func TestSendMessageAndExport(t *testing.T) {
	env := setupTestRouter(t, false, 0)
	token, conv := env.startConversation(t, map[string]any{"preset_id": "quality"})
	if conv["stage"] != models.StageChat {
		t.Fatalf("unexpected stage %v", conv["stage"])
	}

	req := newJSONRequest(t, http.MethodPost, "/api/conversation/messages", map[string]any{"content": "Scrap rate doubled"})
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	message, _ := resp["message"].(map[string]any)
	if message["content"] != "Here is a plan." || message["role"] != models.RoleAssistant {
		t.Fatalf("unexpected reply %v", resp["message"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/conversation/export?format=md", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "chat.md") {
		t.Fatalf("unexpected content disposition %q", got)
	}
	if want := "**user**: Scrap rate doubled\n\n**assistant**: Here is a plan."; rec.Body.String() != want {
		t.Fatalf("unexpected export body %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/conversation/export?format=docx", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown format, got %d", rec.Code)
	}
}

func TestSendMessageErrors(t *testing.T) {
	env := setupTestRouter(t, false, 0)
	token, _ := env.startConversation(t, nil)

	cases := []struct {
		name   string
		body   map[string]any
		err    error
		status int
	}{
		{"empty message", map[string]any{"content": "  "}, nil, http.StatusBadRequest},
		{"bad params", map[string]any{"content": "hi", "params": map[string]any{"top_p": 4}}, nil, http.StatusBadRequest},
		{"model loading", map[string]any{"content": "hi"}, &services.InferenceError{StatusCode: 503, Message: "loading", EstimatedTime: 20}, http.StatusServiceUnavailable},
		{"upstream failure", map[string]any{"content": "hi"}, &services.InferenceError{StatusCode: 500, Message: "boom"}, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env.gen.err = tc.err
			req := newJSONRequest(t, http.MethodPost, "/api/conversation/messages", tc.body)
			req.Header.Set("Authorization", "Bearer "+token)
			if rec := env.do(req); rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDiagnosisConversationCompletes(t *testing.T) {
	env := setupTestRouter(t, false, 0)
	token, conv := env.startConversation(t, map[string]any{"mode": "diagnosis"})
	if conv["placeholder"] != "Please describe your problems" {
		t.Fatalf("unexpected placeholder %v", conv["placeholder"])
	}

	send := func(text string) *httptest.ResponseRecorder {
		req := newJSONRequest(t, http.MethodPost, "/api/conversation/messages", map[string]any{"content": text})
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(req)
	}

	if rec := send("Paint peeling"); rec.Code != http.StatusOK {
		t.Fatalf("first turn failed: %d", rec.Code)
	}
	rec := send("Only on night shift")
	if rec.Code != http.StatusOK {
		t.Fatalf("second turn failed: %d", rec.Code)
	}
	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	finished := resp["conversation"].(map[string]any)
	if finished["done"] != true {
		t.Fatalf("expected finished analysis, got %v", finished["done"])
	}
	if finished["analysis"] != "Here is a plan." {
		t.Fatalf("expected final analysis in view, got %v", finished["analysis"])
	}
	if rec := send("one more"); rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conversation/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = env.do(req)
	decodeBody(t, rec.Body.Bytes(), &resp)
	if resp["stage"] != models.StageNeedProblem {
		t.Fatalf("expected stage reset, got %v", resp["stage"])
	}
}

func TestSettingsUpdate(t *testing.T) {
	env := setupTestRouter(t, false, 0)
	token, _ := env.startConversation(t, nil)

	req := newJSONRequest(t, http.MethodPatch, "/api/conversation/settings", map[string]any{
		"preset_id": "hr",
		"params":    map[string]any{"temperature": 0.2},
	})
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	params, _ := resp["params"].(map[string]any)
	if resp["presetId"] != "hr" || params["temperature"] != 0.2 {
		t.Fatalf("unexpected settings response %v", resp)
	}

	req = newJSONRequest(t, http.MethodPatch, "/api/conversation/settings", map[string]any{"model": "gpt2"})
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestPresetEndpoints(t *testing.T) {
	env := setupTestRouter(t, false, 0)

	body := map[string]any{"id": "ops", "name": "Operations", "system_prompt": "You are a plant manager."}
	if rec := env.do(newJSONRequest(t, http.MethodPost, "/api/presets", body)); rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if rec := env.do(newJSONRequest(t, http.MethodPost, "/api/presets", body)); rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
	if rec := env.do(newJSONRequest(t, http.MethodPost, "/api/presets", map[string]any{"id": "x"})); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}

	if rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/presets/sales", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for builtin preset, got %d", rec.Code)
	}
	if rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/presets/ops", nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if rec := env.do(httptest.NewRequest(http.MethodDelete, "/api/presets/ops", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	disabled := setupTestRouter(t, false, 0)
	if rec := disabled.do(httptest.NewRequest(http.MethodGet, "/api/analytics", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 when disabled, got %d", rec.Code)
	}

	env := setupTestRouter(t, true, 0)
	token, _ := env.startConversation(t, nil)
	req := newJSONRequest(t, http.MethodPost, "/api/conversation/messages", map[string]any{"content": "hello"})
	req.Header.Set("Authorization", "Bearer "+token)
	env.do(req)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/analytics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var summary analytics.Summary
	decodeBody(t, rec.Body.Bytes(), &summary)
	if summary.Events != 1 || summary.ByPreset["quality"] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRateLimitOnMessages(t *testing.T) {
	env := setupTestRouter(t, false, 2)
	token, _ := env.startConversation(t, nil)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := newJSONRequest(t, http.MethodPost, "/api/conversation/messages", map[string]any{"content": "hello"})
		req.Header.Set("Authorization", "Bearer "+token)
		statuses = append(statuses, env.do(req).Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK || statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}

func TestRateLimitSharedWithWebsocket(t *testing.T) {
	env := setupTestRouter(t, false, 2)
	token, _ := env.startConversation(t, nil)

	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/conversation/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(map[string]any{"type": "message", "content": "hello"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		for _, want := range []string{"thinking", "reply"} {
			var event map[string]any
			if err := conn.ReadJSON(&event); err != nil || event["type"] != want {
				t.Fatalf("message %d: expected %s event, got %v (%v)", i, want, event, err)
			}
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "message", "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event["type"] != "error" || event["status"] != float64(http.StatusTooManyRequests) {
		t.Fatalf("expected rate limited error event, got %v", event)
	}

	req := newJSONRequest(t, http.MethodPost, "/api/conversation/messages", map[string]any{"content": "hello"})
	req.Header.Set("Authorization", "Bearer "+token)
	if code := env.do(req).Code; code != http.StatusTooManyRequests {
		t.Fatalf("expected websocket traffic to use the shared budget, got %d", code)
	}
}

func TestLimitersAreBounded(t *testing.T) {
	limits := NewLimiters(1, 2)

	if !limits.Allow("a") || limits.Allow("a") {
		t.Fatalf("expected one token per bucket")
	}
	limits.Allow("b")
	limits.Allow("c")

	if got := limits.Len(); got != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", got)
	}
	if !limits.Allow("a") {
		t.Fatalf("expected evicted key to start with a fresh bucket")
	}
}

func TestWebsocketChat(t *testing.T) {
	env := setupTestRouter(t, false, 0)
	token, _ := env.startConversation(t, nil)

	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/conversation/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "message", "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil || event["type"] != "thinking" {
		t.Fatalf("expected thinking event, got %v (%v)", event, err)
	}
	event = nil
	if err := conn.ReadJSON(&event); err != nil || event["type"] != "reply" {
		t.Fatalf("expected reply event, got %v (%v)", event, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "message", "content": ""}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.ReadJSON(&event)
	event = nil
	if err := conn.ReadJSON(&event); err != nil || event["type"] != "error" {
		t.Fatalf("expected error event, got %v (%v)", event, err)
	}
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}

	req, err := http.NewRequest(method, path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
