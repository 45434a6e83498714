package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiyoukh/cf-ai-agent/pkg/actor"
	"github.com/shiyoukh/cf-ai-agent/pkg/llm/provider"
	"github.com/shiyoukh/cf-ai-agent/pkg/ratelimit"
	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

func testServer(t *testing.T, cfg actor.Config) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, "test:")

	gen := provider.GeneratorFunc(func(_ context.Context, messages []provider.Message) (string, error) {
		return "echo: " + messages[len(messages)-1].Content, nil
	})

	registry := actor.NewRegistry(st, gen, cfg)
	t.Cleanup(func() { _ = registry.Close() })

	srv := httptest.NewServer(New(registry, 0).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestChatEndpoint(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	resp := postJSON(t, srv.URL+"/v1/sessions/s1/chat", chatRequest{
		ClientKey: "client-1",
		Text:      "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[actor.ChatResult](t, resp)
	assert.Equal(t, "echo: hello", res.Reply)
	assert.Len(t, res.History, 2)
}

func TestChatEndpoint_Validation(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	resp := postJSON(t, srv.URL+"/v1/sessions/s1/chat", chatRequest{
		ClientKey: "client-1",
		Text:      "",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatEndpoint_RateLimited(t *testing.T) {
	cfg := actor.DefaultConfig()
	cfg.ChatPolicy = ratelimit.Policy{RatePerMinute: 1, Burst: 1}
	srv := testServer(t, cfg)

	resp := postJSON(t, srv.URL+"/v1/sessions/s1/chat", chatRequest{ClientKey: "c", Text: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/sessions/s1/chat", chatRequest{ClientKey: "c", Text: "two"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestScheduleEndpoint_Deferred(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	resp := postJSON(t, srv.URL+"/v1/sessions/s1/schedule", scheduleRequest{
		ClientKey: "client-1",
		DueAt:     time.Now().Add(time.Hour),
		Prompt:    "later",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[actor.ScheduleResult](t, resp)
	assert.Equal(t, actor.ModeScheduled, res.Mode)
	assert.NotEmpty(t, res.JobID)
}

func TestScheduleEndpoint_Immediate(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	resp := postJSON(t, srv.URL+"/v1/sessions/s1/schedule", scheduleRequest{
		ClientKey: "client-1",
		DueAt:     time.Now().Add(5 * time.Second),
		Prompt:    "soon",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := decode[actor.ScheduleResult](t, resp)
	assert.Equal(t, actor.ModeImmediate, res.Mode)
	assert.Equal(t, "echo: soon", res.Reply)
}

func TestHistoryEndpoints(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	postJSON(t, srv.URL+"/v1/sessions/s1/chat", chatRequest{ClientKey: "c", Text: "hello"})

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hist := decode[historyResponse](t, resp)
	assert.Len(t, hist.History, 2)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/s1/history", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/sessions/s1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	hist = decode[historyResponse](t, resp)
	assert.Empty(t, hist.History)
}

func TestSessionsAreIsolated(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	postJSON(t, srv.URL+"/v1/sessions/alpha/chat", chatRequest{ClientKey: "c", Text: "in alpha"})

	resp, err := http.Get(srv.URL + "/v1/sessions/beta/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	hist := decode[historyResponse](t, resp)
	assert.Empty(t, hist.History)
}

func TestMissingClientKey(t *testing.T) {
	srv := testServer(t, actor.DefaultConfig())

	for _, path := range []string{"/v1/sessions/s1/chat", "/v1/sessions/s1/schedule"} {
		resp := postJSON(t, srv.URL+path, map[string]string{"text": "x", "prompt": "x"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, fmt.Sprintf("path %s", path))
	}
}
