package api

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/installman/internal/auth"
	"github.com/mattjoyce/installman/internal/events"
	"github.com/mattjoyce/installman/internal/history"
	"github.com/mattjoyce/installman/internal/log"
	"github.com/mattjoyce/installman/internal/pipeline"
	"github.com/mattjoyce/installman/internal/report"
	"github.com/mattjoyce/installman/internal/runner"
	"github.com/mattjoyce/installman/internal/workspace"
)

type gateRunner struct {
	gate chan struct{}
}

func (g *gateRunner) Run(c runner.Command) (runner.Result, error) {
	if g.gate != nil && len(c.Args) > 1 && c.Args[1] == "-j2" {
		<-g.gate
	}
	return runner.Result{}, nil
}

type fixture struct {
	server    *Server
	installer *pipeline.Installer
	history   *history.Store
	hub       *events.Hub
	archive   string
}

func newFixture(t *testing.T, cfg Config, r pipeline.CommandRunner) *fixture {
	t.Helper()
	hist, err := history.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	hub := events.NewHub(64)
	ws, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	in, err := pipeline.New(pipeline.Config{}, events.NewReporter(hub),
		pipeline.WithRunner(r), pipeline.WithWorkspaces(ws),
		pipeline.WithHistory(hist), pipeline.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = in.Shutdown(context.Background()) })

	return &fixture{
		server:    New(cfg, in, hist, hub, log.Discard()),
		installer: in,
		history:   hist,
		hub:       hub,
		archive:   writeArchive(t),
	}
}

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool-1.0.tar.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "tool-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "tool-1.0/Makefile", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5}))
	_, err := tw.Write([]byte("all:\n"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func waitIdle(t *testing.T, in *pipeline.Installer, job *pipeline.Handle) report.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := job.Wait(ctx)
	require.NoError(t, err)
	return outcome
}

var scopedTokens = []auth.TokenConfig{
	{Token: "reader", Scopes: []string{"jobs:ro"}},
	{Token: "operator", Scopes: []string{"jobs:rw", "events:ro"}},
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	f := newFixture(t, Config{Tokens: scopedTokens}, &gateRunner{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Busy)
}

func TestAuthAndScopes(t *testing.T) {
	f := newFixture(t, Config{Tokens: scopedTokens}, &gateRunner{})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/jobs", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/jobs", "wrong", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/jobs", "reader", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/jobs", "reader", StartJobRequest{Archive: f.archive}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/jobs/current/cancel", "reader", nil).Code)
}

func TestStartJobValidation(t *testing.T) {
	f := newFixture(t, Config{}, &gateRunner{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"oversized body", StartJobRequest{Archive: strings.Repeat("a", maxStartJobBody)}, http.StatusRequestEntityTooLarge},
		{"no archive", StartJobRequest{}, http.StatusBadRequest},
		{"missing archive", StartJobRequest{Archive: filepath.Join(t.TempDir(), "nope.tar")}, http.StatusNotFound},
		{"digest mismatch", StartJobRequest{Archive: f.archive, BLAKE3: strings.Repeat("f", 64)}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/jobs", "", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Nil(t, f.installer.Current())
}

func TestStartJobRequiresDigestWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{RequireDigest: true}, &gateRunner{})
	rec := f.do(t, http.MethodPost, "/jobs", "", StartJobRequest{Archive: f.archive})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "blake3")
}

func TestStartJobRunsAndLandsInHistory(t *testing.T) {
	f := newFixture(t, Config{}, &gateRunner{})

	rec := f.do(t, http.MethodPost, "/jobs", "", StartJobRequest{Archive: f.archive, Prefix: "/opt/tool"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var snap pipeline.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "/opt/tool", snap.Prefix)
	assert.Equal(t, "/jobs/"+snap.ID, rec.Header().Get("Location"))

	job := f.installer.Current()
	if job == nil {
		job = f.installer.Last()
	}
	require.NotNil(t, job)
	assert.Equal(t, report.OutcomeSucceeded, waitIdle(t, f.installer, job))

	rec = f.do(t, http.MethodGet, "/jobs/"+snap.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, report.OutcomeSucceeded, got.Outcome)

	rec = f.do(t, http.MethodGet, "/jobs?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)

	rec = f.do(t, http.MethodGet, "/jobs/current", "", nil)
	var cur CurrentJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cur))
	assert.False(t, cur.Active)
	require.NotNil(t, cur.Last)
	assert.Equal(t, snap.ID, cur.Last.ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/jobs?limit=x", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/unknown", "", nil).Code)
}

func TestConflictAndCancel(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Config{}, &gateRunner{gate: gate})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/jobs/current/cancel", "", nil).Code)

	rec := f.do(t, http.MethodPost, "/jobs", "", StartJobRequest{Archive: f.archive})
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := f.installer.Current()
	require.NotNil(t, job)

	rec = f.do(t, http.MethodPost, "/jobs", "", StartJobRequest{Archive: f.archive})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs/current", "", nil)
	var cur CurrentJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cur))
	assert.True(t, cur.Active)
	assert.Equal(t, job.ID, cur.Job.ID)

	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Contains(t, rec.Body.String(), job.ID)

	rec = f.do(t, http.MethodGet, "/jobs/"+job.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state"`)

	rec = f.do(t, http.MethodPost, "/jobs/current/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var cancelResp CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelResp))
	assert.True(t, cancelResp.CancelRequested)

	close(gate)
	assert.Equal(t, report.OutcomeCancelled, waitIdle(t, f.installer, job))
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	f := newFixture(t, Config{Tokens: scopedTokens}, &gateRunner{})
	f.hub.Publish(events.TypeJobLog, events.LogData{Message: "one"})
	f.hub.Publish(events.TypeJobLog, events.LogData{Message: "two"})

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer operator")
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	readEvent := func() (id, typ, data string) {
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && id != "":
				return
			}
		}
		return
	}

	id, typ, data := readEvent()
	assert.Equal(t, "2", id, "events up to Last-Event-ID are skipped")
	assert.Equal(t, events.TypeJobLog, typ)
	assert.Contains(t, data, "two")

	f.hub.Publish(events.TypeJobFinished, events.FinishedData{JobID: "j", Outcome: report.OutcomeSucceeded})
	id, typ, _ = readEvent()
	assert.Equal(t, "3", id)
	assert.Equal(t, events.TypeJobFinished, typ)
}

func TestEventsRequireScope(t *testing.T) {
	f := newFixture(t, Config{Tokens: scopedTokens}, &gateRunner{})
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/events", "reader", nil).Code)
}
