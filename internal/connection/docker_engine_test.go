package connection_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/executor"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	apiVersion  = "1.45"
	containerID = "3f4e5d6c7b8a9f0e1d2c3b4a"
	imageRef    = "registry.local/ci/base:1.4"
)

type frame struct {
	stream byte // 1 stdout, 2 stderr
	data   string
}

type createBody struct {
	Image      string
	Cmd        []string
	WorkingDir string
	HostConfig struct {
		Memory    int64
		CpuShares int64
	}
}

// fakeDaemon speaks the slice of the Engine API the docker engine uses.
type fakeDaemon struct {
	frames []frame
	// keepOpen leaves the attach stream open after the frames, like a
	// container that is still running.
	keepOpen  bool
	exitCode  int
	createErr bool
	// stall makes create hang until the client gives up.
	stall bool

	mu     sync.Mutex
	calls  []string
	create createBody
	commit url.Values
	remove url.Values
}

func (d *fakeDaemon) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDaemon) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDaemon) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v"+apiVersion)
	prefix := "/containers/" + containerID
	switch {
	case r.Method == http.MethodPost && path == "/containers/create":
		d.record("create")
		if d.stall {
			<-r.Context().Done()
			return
		}
		if d.createErr {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusNotFound)
			io.WriteString(rw, `{"message":"No such image: `+imageRef+`"}`)
			return
		}
		var body createBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		d.create = body
		d.mu.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusCreated)
		io.WriteString(rw, `{"Id":"`+containerID+`","Warnings":[]}`)
	case r.Method == http.MethodPost && path == prefix+"/attach":
		d.record("attach")
		d.attach(rw)
	case r.Method == http.MethodPost && path == prefix+"/start":
		d.record("start")
		rw.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && path == prefix+"/wait":
		d.record("wait")
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{"StatusCode": d.exitCode})
	case r.Method == http.MethodPost && path == "/commit":
		d.record("commit")
		d.mu.Lock()
		d.commit = r.URL.Query()
		d.mu.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusCreated)
		io.WriteString(rw, `{"Id":"sha256:feedface"}`)
	case r.Method == http.MethodDelete && path == prefix:
		d.record("remove")
		d.mu.Lock()
		d.remove = r.URL.Query()
		d.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	default:
		http.Error(rw, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotImplemented)
	}
}

// attach upgrades the connection and writes the frames in the multiplexed
// stream format.
func (d *fakeDaemon) attach(rw http.ResponseWriter) {
	conn, buf, err := rw.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	buf.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n" +
		"Connection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
	if err := buf.Flush(); err != nil {
		return
	}
	header := make([]byte, 8)
	for _, f := range d.frames {
		header[0] = f.stream
		binary.BigEndian.PutUint32(header[4:], uint32(len(f.data)))
		if _, err := buf.Write(header); err != nil {
			return
		}
		if _, err := buf.WriteString(f.data); err != nil {
			return
		}
	}
	if err := buf.Flush(); err != nil {
		return
	}
	if d.keepOpen {
		// returns once the client hangs up
		io.Copy(io.Discard, conn)
	}
}

func newEngine(t *testing.T, d *fakeDaemon, timeout time.Duration) connection.Engine {
	t.Helper()
	for _, key := range []string{"DOCKER_HOST", "DOCKER_API_VERSION", "DOCKER_CERT_PATH", "DOCKER_TLS_VERIFY"} {
		t.Setenv(key, "")
	}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	engine, err := connection.NewDockerEngine(connection.DockerConfig{
		BaseURL: "tcp://" + srv.Listener.Addr().String(),
		Version: apiVersion,
		Timeout: timeout,
	})
	require.NoError(t, err)
	if c, ok := engine.(io.Closer); ok {
		t.Cleanup(func() { c.Close() })
	}
	return engine
}

var imageTarget = target.Target{Host: imageRef, Kind: target.Container}

func TestDockerEngineRunCommitRemove(t *testing.T) {
	d := &fakeDaemon{frames: []frame{{1, "hello\n"}, {2, "careful\n"}, {1, "bye\n"}}}
	engine := newEngine(t, d, 0)

	rec := &transcript.Recorder{}
	exec := executor.NewContainerExecutor(engine, connection.Limits{MemoryMB: 256, CPUPercent: 50, WorkDir: "/build"}, executor.Options{Sink: rec})
	out, err := exec.Execute(context.Background(), []target.Target{imageTarget}, "make test")
	require.NoError(t, err)
	require.True(t, out.Success)

	res := out.Last()
	assert.Equal(t, []string{"hello", "bye"}, res.Stdout)
	assert.Equal(t, []string{"careful"}, res.Stderr)
	assert.Equal(t, 0, *res.ExitStatus)
	assert.Equal(t, "sha256:feedface", res.ImageID)

	assert.Equal(t, []string{"create", "attach", "start", "wait", "commit", "remove"}, d.Calls())

	assert.Equal(t, imageRef, d.create.Image)
	assert.Equal(t, []string{"sh", "-c", "make test"}, d.create.Cmd)
	assert.Equal(t, "/build", d.create.WorkingDir)
	assert.Equal(t, int64(256*1024*1024), d.create.HostConfig.Memory)
	assert.Equal(t, int64(512), d.create.HostConfig.CpuShares)

	assert.Equal(t, containerID, d.commit.Get("container"))
	assert.Equal(t, "registry.local/ci/base", d.commit.Get("repo"))
	assert.Equal(t, "1.4", d.commit.Get("tag"))
	assert.Equal(t, "make test", d.commit.Get("comment"))

	assert.Equal(t, "1", d.remove.Get("force"))
}

func TestDockerEngineNonZeroExitSkipsCommit(t *testing.T) {
	d := &fakeDaemon{frames: []frame{{2, "boom\n"}}, exitCode: 3}
	engine := newEngine(t, d, 0)

	exec := executor.NewContainerExecutor(engine, connection.Limits{}, executor.Options{})
	out, err := exec.Execute(context.Background(), []target.Target{imageTarget}, "false")
	require.Error(t, err)
	assert.True(t, errors.Is(err, execerr.ErrRemoteExec), "got %v", err)
	assert.Equal(t, 3, *out.Last().ExitStatus)
	assert.Equal(t, []string{"create", "attach", "start", "wait", "remove"}, d.Calls())
}

func TestDockerEngineCreateError(t *testing.T) {
	d := &fakeDaemon{createErr: true}
	engine := newEngine(t, d, 0)

	exec := executor.NewContainerExecutor(engine, connection.Limits{}, executor.Options{})
	_, err := exec.Execute(context.Background(), []target.Target{imageTarget}, "true")
	require.Error(t, err)
	assert.True(t, errors.Is(err, execerr.ErrContainerCreate), "got %v", err)
	assert.Contains(t, err.Error(), "No such image")
	assert.Equal(t, []string{"create"}, d.Calls())
}

func TestDockerEngineOverlongLineFailsAndRemoves(t *testing.T) {
	d := &fakeDaemon{
		frames:   []frame{{1, strings.Repeat("x", 2*executor.MaxLineSize) + "\n"}, {2, "after\n"}},
		keepOpen: true,
	}
	engine := newEngine(t, d, 0)
	exec := executor.NewContainerExecutor(engine, connection.Limits{}, executor.Options{})

	type result struct {
		out *executor.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := exec.Execute(context.Background(), []target.Target{imageTarget}, "yes | tr -d '\\n'")
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		require.Error(t, r.err)
		assert.True(t, errors.Is(r.err, execerr.ErrRemoteExec), "got %v", r.err)
		assert.ErrorIs(t, r.err, bufio.ErrTooLong)
		assert.False(t, r.out.Success)
		assert.NotContains(t, d.Calls(), "commit")
		assert.Contains(t, d.Calls(), "remove")
	case <-time.After(15 * time.Second):
		t.Fatalf("Execute still blocked after an over-long line, calls: %v", d.Calls())
	}
}

func TestDockerEngineCallTimeout(t *testing.T) {
	d := &fakeDaemon{stall: true}
	engine := newEngine(t, d, 100*time.Millisecond)

	start := time.Now()
	_, err := engine.Create(context.Background(), connection.ContainerSpec{Image: imageRef, Cmd: []string{"true"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
