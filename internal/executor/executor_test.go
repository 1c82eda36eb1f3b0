package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/andrej220/remexec/internal/connection"
	"github.com/andrej220/remexec/internal/execerr"
	"github.com/andrej220/remexec/internal/keystore"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/sshtest"
	"github.com/andrej220/remexec/internal/target"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ssh"
)

func closedAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func sshTargets(t *testing.T, addrs ...string) []target.Target {
	targets, err := target.ResolveAll(addrs, target.SSH)
	require.NoError(t, err)
	return targets
}

func helloHandler(cmd string, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "hello from %s\n", cmd)
	return 0
}

func newSSHExecutor(t *testing.T, policy Policy, sink transcript.Sink) *SSHExecutor {
	t.Helper()
	e, err := NewSSHExecutor(SSHExecutorConfig{
		Username: "deploy",
		Password: "pw",
		Keys:     keystore.Config{TrustUnknownHosts: true, HomeDir: t.TempDir()},
		Dial:     connection.SSHConfig{Breaker: connection.BreakerConfig{Disabled: true}},
	}, Options{Policy: policy, Sink: sink})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// Target 1 refuses connections, target 2 runs the action, target 3 must
// never be contacted.
func threeTargets(t *testing.T) ([]target.Target, *sshtest.Server, *sshtest.Server) {
	second := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "pw", Handler: helloHandler})
	third := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "pw", Handler: helloHandler})
	return sshTargets(t, closedAddr(t), second.Addr, third.Addr), second, third
}

func TestSSHExecutorContinueOnErrorFirstSuccessWins(t *testing.T) {
	targets, second, third := threeTargets(t)
	rec := &transcript.Recorder{}
	e := newSSHExecutor(t, ContinueOnError, rec)

	out, err := e.Execute(context.Background(), targets, "make deploy")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "make deploy", out.Action)
	require.Len(t, out.Results, 2)

	assert.True(t, errors.Is(out.Results[0].Err, execerr.ErrConnect))
	assert.Nil(t, out.Results[0].ExitStatus)
	assert.True(t, out.Results[1].Succeeded())
	assert.Equal(t, []string{"hello from make deploy"}, out.Results[1].Stdout)

	assert.Equal(t, []string{"make deploy"}, second.Commands())
	assert.Zero(t, third.Connections())
	assert.Contains(t, rec.Texts(transcript.Info), "hello from make deploy")
	assert.Len(t, rec.Texts(transcript.Error), 1)
}

func TestSSHExecutorFailFastStopsAtFirstFailure(t *testing.T) {
	targets, second, third := threeTargets(t)
	e := newSSHExecutor(t, FailFast, nil)

	out, err := e.Execute(context.Background(), targets, "make deploy")
	require.Error(t, err)
	assert.True(t, errors.Is(err, execerr.ErrConnect))
	assert.Equal(t, targets[0].String(), err.(*execerr.Error).Target)
	assert.False(t, out.Success)
	assert.Len(t, out.Results, 1)
	assert.Zero(t, second.Connections())
	assert.Zero(t, third.Connections())
}

func TestSSHExecutorFirstTargetSucceeds(t *testing.T) {
	first := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "pw", Handler: helloHandler})
	second := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "pw", Handler: helloHandler})

	for _, policy := range []Policy{FailFast, ContinueOnError} {
		t.Run(policy.String(), func(t *testing.T) {
			out, err := newSSHExecutor(t, policy, nil).Execute(context.Background(), sshTargets(t, first.Addr, second.Addr), "id")
			require.NoError(t, err)
			assert.True(t, out.Success)
			assert.Len(t, out.Results, 1)
		})
	}
	assert.Zero(t, second.Connections())
}

func TestSSHExecutorAllFailJoinsErrors(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "other"})
	e := newSSHExecutor(t, ContinueOnError, nil)

	out, err := e.Execute(context.Background(), sshTargets(t, closedAddr(t), srv.Addr), "id")
	require.Error(t, err)
	assert.False(t, out.Success)
	assert.Len(t, out.Results, 2)
	assert.True(t, errors.Is(err, execerr.ErrConnect))
	assert.True(t, errors.Is(err, execerr.ErrAuth))
}

func TestSSHExecutorNonZeroExit(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "pw", Handler: func(cmd string, stdout, stderr io.Writer) int {
		fmt.Fprintln(stderr, "no such file")
		return 1
	}})

	out, err := newSSHExecutor(t, FailFast, nil).Execute(context.Background(), sshTargets(t, srv.Addr), "cat /nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, execerr.ErrRemoteExec))
	require.NotNil(t, out.Last().ExitStatus)
	assert.Equal(t, 1, *out.Last().ExitStatus)
	assert.Equal(t, []string{"no such file"}, out.Last().Stderr)
}

func TestSSHExecutorPerHostCredentials(t *testing.T) {
	dir := t.TempDir()
	keyPath, pub := sshtest.WriteKeyFile(t, dir, "ops_key", "")
	srv := sshtest.NewServer(t, sshtest.Options{User: "ops", AuthorizedKeys: []ssh.PublicKey{pub}, Handler: helloHandler})
	tg := sshTargets(t, srv.Addr)[0]

	e, err := NewSSHExecutor(SSHExecutorConfig{
		Username: "deploy",
		Keys:     keystore.Config{TrustUnknownHosts: true, HomeDir: dir},
		Hosts:    map[target.Target]HostCredentials{tg: {Username: "ops", KeyFiles: []string{keyPath}}},
	}, Options{})
	require.NoError(t, err)
	defer e.Close()

	out, err := e.Execute(context.Background(), []target.Target{tg}, "whoami")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestSSHExecutorUnknownHostPolicy(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{User: "deploy", Password: "pw", Handler: helloHandler})
	targets := sshTargets(t, srv.Addr)

	strict, err := NewSSHExecutor(SSHExecutorConfig{
		Username: "deploy", Password: "pw",
		Keys: keystore.Config{HomeDir: t.TempDir()},
	}, Options{})
	require.NoError(t, err)
	_, err = strict.Execute(context.Background(), targets, "id")
	assert.True(t, errors.Is(err, execerr.ErrUntrustedHost))

	trusting := newSSHExecutor(t, FailFast, nil)
	_, err = trusting.Execute(context.Background(), targets, "id")
	require.NoError(t, err)
	assert.True(t, trusting.Keys().Trusted(srv.Addr, srv.HostKey.PublicKey()))
	_, err = trusting.Execute(context.Background(), targets, "id")
	require.NoError(t, err)
}

func TestNewSSHExecutorCorruptKey(t *testing.T) {
	dir := t.TempDir()
	bad := sshtest.WriteFile(t, dir, "id_bad", "not a key")

	e, err := NewSSHExecutor(SSHExecutorConfig{Keys: keystore.Config{KeyFiles: []string{bad}, HomeDir: dir}}, Options{})
	require.Error(t, err)
	assert.Nil(t, e)
	assert.True(t, errors.Is(err, execerr.ErrKeyLoad))
	assert.Equal(t, execerr.StageKeys, execerr.StageOf(err))
}

func TestExecuteNoTargets(t *testing.T) {
	out, err := newSSHExecutor(t, FailFast, nil).Execute(context.Background(), nil, "id")
	assert.ErrorIs(t, err, ErrNoTargets)
	assert.False(t, out.Success)
	assert.Empty(t, out.Results)
}

func TestExecuteLogsLifecycle(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := NewLocalExecutor(Options{Logger: lg.FromZap(zap.New(core))})

	out, err := e.Execute(context.Background(), nil, "true")
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("Executing action: true").Len())
	executed := logs.FilterMessage("Action executed: true").All()
	require.Len(t, executed, 1)
	assert.Equal(t, out.ID.String(), executed[0].ContextMap()["action_id"])
}

func TestLocalExecutor(t *testing.T) {
	rec := &transcript.Recorder{}
	e := NewLocalExecutor(Options{Sink: rec})
	e.Dir = t.TempDir()

	out, err := e.Execute(context.Background(), nil, "echo one; echo two >&2")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, target.LocalHost, out.Last().Target)
	assert.Equal(t, []string{"one"}, rec.Texts(transcript.Info))
	assert.Equal(t, []string{"two"}, rec.Texts(transcript.Warn))

	_, err = e.Execute(context.Background(), nil, "exit 7")
	assert.True(t, errors.Is(err, execerr.ErrRemoteExec))
}

////////////////////////////////////////////////////////////////////////////////

type recordingExecutor struct {
	actions []string
	err     error
}

func (r *recordingExecutor) Execute(ctx context.Context, targets []target.Target, action string) (*Outcome, error) {
	r.actions = append(r.actions, action)
	out := newOutcome(action)
	out.Success = r.err == nil
	return out, r.err
}

func TestOpenVZRewritesAction(t *testing.T) {
	inner := &recordingExecutor{}
	out, err := OpenVZ(inner, 101, nil).Execute(context.Background(), nil, "yum -y update")
	require.NoError(t, err)
	assert.Equal(t, []string{"vzctl exec 101 yum -y update"}, inner.actions)
	assert.Equal(t, "yum -y update", out.Action)
	assert.True(t, out.Success)
}

func TestNestedExecutorPropagatesError(t *testing.T) {
	inner := &recordingExecutor{err: execerr.Newf(execerr.Auth, execerr.StageAuth, "h:22", "denied")}
	nested := NewNestedExecutor(inner, strings.ToUpper, nil)

	out, err := nested.Execute(context.Background(), nil, "ls")
	assert.True(t, errors.Is(err, execerr.ErrAuth))
	assert.Equal(t, []string{"LS"}, inner.actions)
	assert.Equal(t, "ls", out.Action)
}

func TestOpenVZOverLocal(t *testing.T) {
	rec := &transcript.Recorder{}
	local := NewLocalExecutor(Options{Sink: rec})
	// "vzctl" is not installed here; echo stands in for it.
	nested := NewNestedExecutor(local, func(action string) string { return "echo vzctl exec 7 " + action }, nil)

	_, err := nested.Execute(context.Background(), nil, "uptime")
	require.NoError(t, err)
	assert.Equal(t, []string{"vzctl exec 7 uptime"}, rec.Texts(transcript.Info))
}

////////////////////////////////////////////////////////////////////////////////

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	stdout   string
	exitCode int
	commits  []string
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Create(ctx context.Context, spec connection.ContainerSpec) (string, error) {
	f.record("create " + spec.Image)
	if spec.Image == "missing" {
		return "", errors.New("no such image")
	}
	return "c-" + spec.Image, nil
}

func (f *fakeEngine) Attach(ctx context.Context, id string) (*connection.Attachment, error) {
	return &connection.Attachment{Stdout: strings.NewReader(f.stdout), Stderr: strings.NewReader(""), Close: func() {}}, nil
}

func (f *fakeEngine) Start(ctx context.Context, id string) error { return nil }

func (f *fakeEngine) Wait(ctx context.Context, id string) (int, error) { return f.exitCode, nil }

func (f *fakeEngine) Commit(ctx context.Context, id, image, message string) (string, error) {
	f.record("commit " + image)
	f.commits = append(f.commits, message)
	return "sha256:abc", nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.record("remove " + id)
	return nil
}

func containerTargets(images ...string) []target.Target {
	targets, _ := target.ResolveAll(images, target.Container)
	return targets
}

func TestContainerExecutorCommitsOnSuccess(t *testing.T) {
	eng := &fakeEngine{stdout: "hi\n"}
	rec := &transcript.Recorder{}
	e := NewContainerExecutor(eng, connection.Limits{MemoryMB: 64}, Options{Sink: rec})

	out, err := e.Execute(context.Background(), containerTargets("alpine:3.19"), "echo hi")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "sha256:abc", out.Last().ImageID)
	assert.Equal(t, []string{"echo hi"}, eng.commits)
	assert.Equal(t, []string{"create alpine:3.19", "commit alpine:3.19", "remove c-alpine:3.19"}, eng.calls)
	assert.Equal(t, []string{"hi"}, rec.Texts(transcript.Info))
}

func TestContainerExecutorRemovesOnFailure(t *testing.T) {
	eng := &fakeEngine{exitCode: 1}
	e := NewContainerExecutor(eng, connection.Limits{}, Options{})

	out, err := e.Execute(context.Background(), containerTargets("alpine"), "false")
	require.Error(t, err)
	assert.True(t, errors.Is(err, execerr.ErrRemoteExec))
	assert.False(t, out.Success)
	assert.Empty(t, eng.commits)
	assert.Equal(t, []string{"create alpine", "remove c-alpine"}, eng.calls)
}

func TestContainerExecutorCreateFailure(t *testing.T) {
	eng := &fakeEngine{}
	e := NewContainerExecutor(eng, connection.Limits{}, Options{Policy: ContinueOnError})

	out, err := e.Execute(context.Background(), containerTargets("missing", "alpine"), "true")
	require.NoError(t, err)
	assert.True(t, errors.Is(out.Results[0].Err, execerr.ErrContainerCreate))
	assert.True(t, out.Results[1].Succeeded())
	assert.Equal(t, []string{"create missing", "create alpine", "commit alpine", "remove c-alpine"}, eng.calls)
}
