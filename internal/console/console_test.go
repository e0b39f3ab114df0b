package console

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrpub/mediabotd/internal/metrics"
)

type staticStatus struct{ jobs []RunningJob }

func (s staticStatus) RunningJobs() []RunningJob { return s.jobs }

func startTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Listen = "127.0.0.1:0"
	s := New(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestStatusEndpoint(t *testing.T) {
	s := startTestServer(t, Options{
		Status: staticStatus{jobs: []RunningJob{
			{JobID: "j1", Pid: 42, Command: "bash", StartedAt: time.Now()},
		}},
	})

	resp, err := http.Get("http://" + s.Addr() + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Running []RunningJob `json:"running"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Running, 1)
	assert.Equal(t, "j1", body.Running[0].JobID)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.JobsTotal.WithLabelValues("success").Inc()
	s := startTestServer(t, Options{Metrics: m})

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConsoleStreamDeliversOutput(t *testing.T) {
	s := startTestServer(t, Options{})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/v1/console", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a beat to register the client before broadcasting.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.JobOutput("j1", "stdout", []byte("\x1b[32mok\x1b[0m\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type   string `json:"type"`
		JobID  string `json:"job_id"`
		Stream string `json:"stream"`
		Data   string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &envelope))
	assert.Equal(t, "job.output", envelope.Type)
	assert.Equal(t, "j1", envelope.JobID)
	assert.Equal(t, "stdout", envelope.Stream)
	assert.Equal(t, "ok\n", envelope.Data)
}
