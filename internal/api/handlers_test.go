package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codehive/internal/assistant"
	"github.com/manpreetbhatti/codehive/internal/chat"
	"github.com/manpreetbhatti/codehive/internal/execute"
	"github.com/manpreetbhatti/codehive/internal/fileset"
	"github.com/manpreetbhatti/codehive/internal/metrics"
	"github.com/manpreetbhatti/codehive/internal/packages"
	"github.com/manpreetbhatti/codehive/internal/protocol"
	"github.com/manpreetbhatti/codehive/internal/ratelimit"
	"github.com/manpreetbhatti/codehive/internal/session"
	"github.com/manpreetbhatti/codehive/internal/store"
	"github.com/manpreetbhatti/codehive/internal/store/sqlite"
	"github.com/manpreetbhatti/codehive/internal/ws"
)

type testEnv struct {
	api    *API
	router *gin.Engine
}

type option func(*Deps)

func withLimiter(l ratelimit.Policy) option {
	return func(d *Deps) { d.Limiter = l }
}

func withAssistant(c *assistant.Client) option {
	return func(d *Deps) { d.Assistant = c }
}

func setupTestAPI(t *testing.T, opts ...option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	database, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	piston := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"run":{"stdout":"Hello Python\n","stderr":"","output":"Hello Python\n","code":0}}`))
	}))
	t.Cleanup(piston.Close)

	m := metrics.New()
	hub := ws.NewHub(nil, m)
	go hub.Run(ctx)

	files := fileset.NewManager(database, nil)
	sessions := session.NewService(hub, files, nil, m)

	deps := Deps{
		Store:     database,
		Hub:       hub,
		Sessions:  sessions,
		Files:     files,
		Chat:      chat.NewService(database, sessions, nil),
		Executor:  execute.NewDispatcher(execute.NewPistonClient(piston.URL, 5*time.Second), nil, m),
		Packages:  packages.NewService(database),
		Assistant: assistant.NewClient("", "", "", time.Second),
		Metrics:   m,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	a := New(deps)
	return &testEnv{api: a, router: a.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) postForm(t *testing.T, fields map[string]string, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("codefile", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var team = map[string]any{
	"projectName": "hive",
	"usns":        []string{"u1", "u2", "u3", "u4"},
}

func TestHealthHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestStatsHandler(t *testing.T) {
	env := setupTestAPI(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/teams", team).Code)

	w := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.EqualValues(t, 0, resp["active_rooms"])
	assert.EqualValues(t, 0, resp["active_clients"])
	assert.EqualValues(t, 1, resp["team_count"])
}

func TestLanguagesHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/api/languages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[struct {
		Languages []LanguageResponse `json:"languages"`
	}](t, w)
	require.Len(t, resp.Languages, 9)
	assert.Equal(t, "html", resp.Languages[0].Name)
	assert.True(t, resp.Languages[0].Preview)
	assert.True(t, resp.Languages[0].Runnable)
	assert.NotEmpty(t, resp.Languages[0].Icon)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestAPI(t)
	env.do(t, http.MethodGet, "/health", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "codehive_")
}

func TestCreateTeamHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/teams", team)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/teams", team)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/teams", map[string]any{
		"projectName": "tiny",
		"usns":        []string{"a", "b", "b", " "},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/teams", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginHandler(t *testing.T) {
	env := setupTestAPI(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/teams", team).Code)

	w := env.do(t, http.MethodPost, "/api/login", map[string]string{"projectName": "hive", "usn": "u3"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["success"])

	w = env.do(t, http.MethodPost, "/api/login", map[string]string{"projectName": "hive", "usn": "stranger"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFilesHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/api/files/hive/py", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string][]map[string]string](t, w)
	require.Len(t, resp["files"], 1)
	assert.Equal(t, "main.py", resp["files"][0]["filename"])
	assert.Equal(t, "print('Hello Python')", resp["files"][0]["code"])
}

func TestFilesHandlerRejectsChatLanguage(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/api/files/hive/__chat", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := env.api.Store.GetFileSet(context.Background(), "hive", "__chat")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunHandler(t *testing.T) {
	env := setupTestAPI(t)

	t.Run("sandbox", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/run", map[string]string{"language": "python", "code": "print('Hello Python')"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, map[string]string{"output": "Hello Python"}, decode[map[string]string](t, w))
	})

	t.Run("sql", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/run", map[string]string{"language": "msql", "code": "SELECT 1 AS n;"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decode[map[string]string](t, w)["output"], "n")
	})

	t.Run("sql error", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/run", map[string]string{"language": "msql", "code": "SELECT * FROM missing;"})
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[map[string]string](t, w)
		assert.Equal(t, "SQL Error", resp["error"])
		assert.NotEmpty(t, resp["detail"])
	})

	t.Run("preview", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/run", map[string]string{"language": "html", "code": "<h1>x</h1>"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "<h1>x</h1>", decode[map[string]string](t, w)["html_preview"])
	})

	t.Run("unsupported", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/run", map[string]string{"language": "cobol", "code": "x"})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Language not supported", decode[map[string]string](t, w)["error"])
	})
}

func TestRunHandlerRateLimited(t *testing.T) {
	limiter := ratelimit.NewClientLimiters(ratelimit.Rate{PerSecond: 0.001, Burst: 1}, time.Minute)
	t.Cleanup(limiter.Stop)
	env := setupTestAPI(t, withLimiter(limiter))

	body := map[string]string{"language": "html", "code": "<p>"}
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/run", body).Code)

	w := env.do(t, http.MethodPost, "/api/run", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decode[map[string]string](t, w)["error"])

	// Other buckets are independent
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/ai_complete", map[string]string{"code": " "}).Code)
}

type messagesResponse struct {
	Messages []struct {
		ID       string `json:"_id"`
		Sender   string `json:"sender"`
		Filename string `json:"filename"`
		Code     string `json:"code"`
		FileURL  string `json:"file_url"`
		FileType string `json:"file_type"`
		Deleted  bool   `json:"deleted"`
	} `json:"messages"`
}

func TestMessageLifecycle(t *testing.T) {
	env := setupTestAPI(t)

	w := env.postForm(t, map[string]string{"usn": "u1", "projectName": "hive", "message": "hello team"}, "", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/messages/hive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[messagesResponse](t, w)
	require.Len(t, list.Messages, 1)
	msg := list.Messages[0]
	assert.Equal(t, "hello team", msg.Code)
	assert.Equal(t, chat.MessageOnly, msg.Filename)

	w = env.do(t, http.MethodPost, "/api/delete_message", map[string]string{"message_id": msg.ID, "usn": "u2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/delete_message", map[string]string{"message_id": msg.ID, "usn": "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["success"])

	list = decode[messagesResponse](t, env.do(t, http.MethodGet, "/api/messages/hive", nil))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, chat.Tombstone, list.Messages[0].Code)
	assert.True(t, list.Messages[0].Deleted)

	w = env.do(t, http.MethodPost, "/api/delete_message", map[string]string{"message_id": "999999", "usn": "u1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageValidation(t *testing.T) {
	env := setupTestAPI(t)

	w := env.postForm(t, map[string]string{"usn": "u1", "projectName": "hive", "message": "  "}, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.postForm(t, map[string]string{"projectName": "hive", "message": "hi"}, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageWithAttachment(t *testing.T) {
	env := setupTestAPI(t)

	w := env.postForm(t, map[string]string{"usn": "u1", "projectName": "hive"}, "hello world.py", "print(1)\n")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	list := decode[messagesResponse](t, env.do(t, http.MethodGet, "/api/messages/hive", nil))
	require.Len(t, list.Messages, 1)
	msg := list.Messages[0]
	assert.Equal(t, "hello_world.py", msg.Filename)
	assert.Equal(t, "print(1)\n", msg.Code)
	require.True(t, strings.HasPrefix(msg.FileURL, chat.UploadPath))

	w = env.do(t, http.MethodGet, msg.FileURL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "print(1)\n", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "hello_world.py")
}

func TestShareFileHandler(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/share_file", map[string]string{
		"usn": "u2", "projectName": "hive", "filename": "main.py", "code": "print('shared')",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	list := decode[messagesResponse](t, env.do(t, http.MethodGet, "/api/messages/hive", nil))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "main.py", list.Messages[0].Filename)
	assert.Equal(t, "text/plain", list.Messages[0].FileType)

	w = env.do(t, http.MethodGet, list.Messages[0].FileURL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "print('shared')", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	w = env.do(t, http.MethodPost, "/api/share_file", map[string]string{"usn": "u2", "projectName": "hive"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadMissingUpload(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodGet, "/api/uploads/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPackageHandlers(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/list_packages", map[string]string{"projectName": "hive"})
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[packages.Listing](t, w)
	assert.Contains(t, listing.Allowed["python"], "numpy")
	assert.Empty(t, listing.Installed)

	w = env.do(t, http.MethodPost, "/api/install_pkg", map[string]string{"projectName": "hive", "language": "js", "package": "lodash"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	installed := decode[packages.Installed](t, w)
	assert.Equal(t, "javascript", installed.Language)
	assert.Contains(t, installed.Output, "lodash")

	listing = decode[packages.Listing](t, env.do(t, http.MethodPost, "/api/list_packages", map[string]string{"projectName": "hive"}))
	assert.Equal(t, []string{"lodash"}, listing.Installed["javascript"])

	w = env.do(t, http.MethodPost, "/api/install_pkg", map[string]string{"projectName": "hive", "language": "go", "package": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func llmServer(t *testing.T, reply string) *assistant.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return assistant.NewClient("test-key", srv.URL, "test-model", 5*time.Second)
}

func TestAssistantHandlers(t *testing.T) {
	env := setupTestAPI(t, withAssistant(llmServer(t, "  x = 1  ")))

	w := env.do(t, http.MethodPost, "/api/explain_error", map[string]any{"error": "NameError", "line": 3, "code": "print(y)"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	explained := decode[assistant.Explanation](t, w)
	assert.Equal(t, "  x = 1  ", explained.Explanation)
	assert.Equal(t, explained.Explanation, explained.Fix)

	w = env.do(t, http.MethodPost, "/api/ai_complete", map[string]string{"code": "def f():"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "x = 1", decode[map[string]string](t, w)["completion"])

	w = env.do(t, http.MethodPost, "/api/explain_error", map[string]any{"code": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssistantNotConfigured(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, http.MethodPost, "/api/ai_complete", map[string]string{"code": "def f():"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodPost, "/api/ai_complete", map[string]string{"code": ""})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", decode[map[string]string](t, w)["completion"])
}

func TestAssistantUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	t.Cleanup(srv.Close)
	env := setupTestAPI(t, withAssistant(assistant.NewClient("k", srv.URL, "", 5*time.Second)))

	w := env.do(t, http.MethodPost, "/api/ai_complete", map[string]string{"code": "x"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "overloaded")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

func TestChatEventsReachWebsocket(t *testing.T) {
	env := setupTestAPI(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(event protocol.Event, payload any) {
		frame, err := protocol.Encode(event, payload)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}
	send(protocol.EventJoinChat, protocol.JoinChat{ProjectName: "hive"})
	// Events are handled in order, so the file list proves the chat join landed
	send(protocol.EventJoin, protocol.Join{ProjectName: "hive", Language: "python"})
	require.Equal(t, protocol.EventFileList, readEnvelope(t, conn).Event)

	w := env.postForm(t, map[string]string{"usn": "u1", "projectName": "hive", "message": "ping"}, "", "")
	require.Equal(t, http.StatusCreated, w.Code)

	got := readEnvelope(t, conn)
	require.Equal(t, protocol.EventNewMessage, got.Event)
	var msg map[string]any
	require.NoError(t, got.Payload(&msg))
	assert.Equal(t, "ping", msg["code"])
	assert.Equal(t, "u1", msg["sender"])
}
