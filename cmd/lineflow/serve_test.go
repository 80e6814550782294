package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lineflow/internal/service"
	"github.com/rendis/lineflow/internal/store"
	"github.com/rendis/lineflow/internal/streaming"
)

func TestHandlerSwapper(t *testing.T) {
	text := func(s string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, s) })
	}
	sw := newHandlerSwapper(text("one"))

	get := func() string {
		rec := httptest.NewRecorder()
		sw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec.Body.String()
	}

	assert.Equal(t, "one", get())
	assert.Equal(t, uint64(1), sw.Swap(text("two")))
	assert.Equal(t, "two", get())
	assert.Equal(t, uint64(2), sw.Swap(text("three")))
	assert.Equal(t, "three", get())
}

type reloadFixture struct {
	env     *cliEnv
	st      store.Store
	live    *liveService
	swapper *handlerSwapper
	logs    *bytes.Buffer
}

func newReloadFixture(t *testing.T) *reloadFixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "reload.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	logs := &bytes.Buffer{}
	level := &slog.LevelVar{}
	env := &cliEnv{
		cfg:    defaultConfig(),
		level:  level,
		logger: slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: level})),
		events: streaming.NewMemoryHub(),
	}
	svc, err := env.service(st)
	require.NoError(t, err)

	live := &liveService{}
	live.p.Store(svc)
	return &reloadFixture{
		env:     env,
		st:      st,
		live:    live,
		swapper: newHandlerSwapper(apiHandler(env.cfg, env, svc)),
		logs:    logs,
	}
}

func TestReload_AppliesLiveSettings(t *testing.T) {
	f := newReloadFixture(t)
	before := f.live.p.Load()

	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte("rules:\n  - name: named\n    expression: task.name != \"\"\n"), 0o644))

	next := f.env.cfg
	next.LogLevel = "debug"
	next.RulesFile = rules
	next.ListenAddr = ":1"
	next.AllowedOrigins = []string{"https://plant.example"}

	got := reload(f.env.cfg, next, f.env, f.st, f.live, f.swapper)

	assert.Equal(t, slog.LevelDebug, f.env.level.Level())
	assert.NotSame(t, before, f.live.p.Load())
	assert.Len(t, f.live.p.Load().Rules().Rules, 1)
	assert.Equal(t, f.env.cfg.ListenAddr, got.ListenAddr, "listen address needs a restart")
	assert.Equal(t, rules, got.RulesFile)
	assert.Contains(t, f.logs.String(), "config change needs a restart")
	assert.Contains(t, f.logs.String(), "field=listen_addr")

	// The swapped handler carries the new CORS list.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://plant.example")
	rec := httptest.NewRecorder()
	f.swapper.ServeHTTP(rec, req)
	assert.Equal(t, "https://plant.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestReload_BadRulesKeepsService(t *testing.T) {
	f := newReloadFixture(t)
	before := f.live.p.Load()

	next := f.env.cfg
	next.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	got := reload(f.env.cfg, next, f.env, f.st, f.live, f.swapper)

	assert.Same(t, before, f.live.p.Load())
	assert.Equal(t, f.env.cfg, got)
	assert.Contains(t, f.logs.String(), "reload failed")
}

func TestReload_BadLogLevelIgnored(t *testing.T) {
	f := newReloadFixture(t)
	f.env.level.Set(slog.LevelWarn)

	next := f.env.cfg
	next.LogLevel = "chatty"

	got := reload(f.env.cfg, next, f.env, f.st, f.live, f.swapper)
	assert.Equal(t, slog.LevelWarn, f.env.level.Level())
	assert.Equal(t, f.env.cfg.LogLevel, got.LogLevel)
}

func TestLiveService_FollowsSwap(t *testing.T) {
	f := newReloadFixture(t)
	ctx := context.Background()

	_, err := f.live.p.Load().SaveLine(ctx, service.ExampleLine())
	require.NoError(t, err)

	rec, skipped, err := f.live.Refresh(ctx, "example_001")
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, int64(1), rec.Sequence)

	lines, err := f.live.ListLines(ctx, store.LineFilter{})
	require.NoError(t, err)
	require.Len(t, lines, 1)
}
