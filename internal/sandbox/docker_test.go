package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"solscan/pkg/seccomp"
)

// fakeEngine is a minimal Docker Engine API.
type fakeEngine struct {
	mu      sync.Mutex
	created container.CreateRequest
	images  []string
	block   bool // wait never returns
	files   map[string][]byte
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if i := strings.Index(p, "/containers/"); i >= 0 {
		p = p[i:]
	} else if i := strings.Index(p, "/images/"); i >= 0 {
		p = p[i:]
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/_ping"):
		w.Header().Set("API-Version", "1.46")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))

	case r.Method == http.MethodGet && p == "/images/json":
		list := []map[string]any{}
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, ref := range e.images {
			if strings.Contains(r.URL.Query().Get("filters"), ref) {
				list = append(list, map[string]any{"Id": "sha256:1", "RepoTags": []string{ref}})
			}
		}
		_ = json.NewEncoder(w).Encode(list)

	case r.Method == http.MethodPost && p == "/images/create":
		e.mu.Lock()
		name := strings.TrimPrefix(r.URL.Query().Get("fromImage"), "docker.io/")
		e.images = append(e.images, name+":"+r.URL.Query().Get("tag"))
		e.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"Pulling"}` + "\n" + `{"status":"Downloaded"}` + "\n"))

	case r.Method == http.MethodPost && p == "/containers/create":
		e.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&e.created)
		e.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(container.CreateResponse{ID: "c1"})

	case r.Method == http.MethodPost && p == "/containers/c1/start",
		r.Method == http.MethodPost && p == "/containers/c1/stop",
		r.Method == http.MethodDelete && p == "/containers/c1":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && p == "/containers/c1/wait":
		if e.block {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		_ = json.NewEncoder(w).Encode(container.WaitResponse{StatusCode: 3})

	case r.Method == http.MethodGet && p == "/containers/c1/logs":
		out := stdcopy.NewStdWriter(w, stdcopy.Stdout)
		errw := stdcopy.NewStdWriter(w, stdcopy.Stderr)
		_, _ = out.Write([]byte("analysis started\n"))
		_, _ = errw.Write([]byte("warning: pragma\n"))

	case r.Method == http.MethodGet && p == "/containers/c1/archive":
		data, ok := e.files[r.URL.Query().Get("path")]
		if !ok {
			http.Error(w, `{"message":"Could not find the file"}`, http.StatusNotFound)
			return
		}
		stat, _ := json.Marshal(container.PathStat{Name: "output.json", Size: int64(len(data)), Mode: 0o644})
		w.Header().Set("X-Docker-Container-Path-Stat", base64.StdEncoding.EncodeToString(stat))
		_, _ = w.Write(data)

	default:
		http.Error(w, `{"message":"no such container"}`, http.StatusNotFound)
	}
}

func newFakeDocker(t *testing.T, engine *fakeEngine) *DockerBackend {
	t.Helper()
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	c, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion("1.46"),
	)
	if err != nil {
		t.Fatalf("NewClientWithOpts() error = %v", err)
	}
	b := NewDockerBackendWithClient(c)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func tarOf(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDockerBackend_RunLifecycle(t *testing.T) {
	archive := tarOf(t, "output.json", `{"success":true}`)
	engine := &fakeEngine{files: map[string][]byte{"/output.json": archive}}
	b := newFakeDocker(t, engine)
	ctx := context.Background()

	id, err := b.Run(ctx, RunArgs{
		Image:      "smartbugs/slither:0.10.4",
		Volumes:    map[string]Volume{"/tmp/stage": {Bind: "/src", Mode: "rw"}},
		Detach:     true,
		CPUQuota:   50000,
		MemLimit:   "1g",
		Command:    []string{"/src/C.sol"},
		Entrypoint: []string{"/src/bin/do_solidity.sh"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if id != "c1" {
		t.Errorf("Run() id = %q, want c1", id)
	}

	created := engine.created
	if created.Config == nil || created.Image != "smartbugs/slither:0.10.4" || created.User != "0" {
		t.Fatalf("created config = %+v", created.Config)
	}
	if len(created.Cmd) != 1 || created.Cmd[0] != "/src/C.sol" {
		t.Errorf("Cmd = %v", created.Cmd)
	}
	if created.HostConfig == nil || len(created.HostConfig.Binds) != 1 || created.HostConfig.Binds[0] != "/tmp/stage:/src:rw" {
		t.Errorf("HostConfig.Binds = %+v", created.HostConfig)
	}
	if created.HostConfig.CPUQuota != 50000 || created.HostConfig.Memory != 1<<30 {
		t.Errorf("Resources = cpu %d mem %d", created.HostConfig.CPUQuota, created.HostConfig.Memory)
	}

	code, err := b.Wait(ctx, id, time.Minute)
	if err != nil || code != 3 {
		t.Fatalf("Wait() = %d, %v, want 3, nil", code, err)
	}

	logs, err := b.Logs(ctx, id)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if string(logs) != "analysis started\nwarning: pragma\n" {
		t.Errorf("Logs() = %q", logs)
	}

	out, err := b.Extract(ctx, id, "/output.json")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !bytes.Equal(out, archive) {
		t.Errorf("Extract() returned %d bytes, want %d", len(out), len(archive))
	}

	if _, err := b.Extract(ctx, id, "/missing.json"); !IsNotFound(err) {
		t.Errorf("Extract(missing) error = %v, want ErrNotFound", err)
	}

	if err := b.Stop(ctx, id); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := b.Remove(ctx, id); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	if err := b.Remove(ctx, "gone"); err != nil {
		t.Errorf("Remove(unknown) error = %v, want nil", err)
	}
}

func TestDockerBackend_WaitTimeout(t *testing.T) {
	b := newFakeDocker(t, &fakeEngine{block: true})

	start := time.Now()
	_, err := b.Wait(context.Background(), "c1", 200*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Wait() took %v", elapsed)
	}
}

func TestDockerBackend_WaitCancelled(t *testing.T) {
	b := newFakeDocker(t, &fakeEngine{block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Wait(ctx, "c1", time.Minute)
	if err == nil || IsTimeout(err) {
		t.Fatalf("Wait() error = %v, want cancellation error", err)
	}
}

func TestDockerBackend_Images(t *testing.T) {
	engine := &fakeEngine{}
	b := newFakeDocker(t, engine)
	ctx := context.Background()

	ok, err := b.ImageExists(ctx, "smartbugs/solhint:3.3.8")
	if err != nil || ok {
		t.Fatalf("ImageExists() = %v, %v, want false", ok, err)
	}
	if err := b.PullImage(ctx, "smartbugs/solhint:3.3.8"); err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}
	ok, err = b.ImageExists(ctx, "smartbugs/solhint:3.3.8")
	if err != nil || !ok {
		t.Fatalf("ImageExists() after pull = %v, %v, want true", ok, err)
	}
}

func TestDockerBackend_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c, err := client.NewClientWithOpts(client.WithHost("tcp://"+host), client.WithVersion("1.46"))
	if err != nil {
		t.Fatal(err)
	}
	b := NewDockerBackendWithClient(c)

	_, err = b.ImageExists(context.Background(), "x")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("ImageExists() error = %v, want ErrBackendUnavailable", err)
	}
	if !strings.Contains(err.Error(), "Is it installed and running?") {
		t.Errorf("error = %q, want hint", err)
	}
	// the failed connection is remembered
	if err := b.Ping(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestDockerBackend_Seccomp(t *testing.T) {
	engine := &fakeEngine{}
	b := newFakeDocker(t, engine)
	if err := b.SetSeccomp(seccomp.AnalysisProfile()); err != nil {
		t.Fatalf("SetSeccomp() error = %v", err)
	}

	if _, err := b.Run(context.Background(), RunArgs{Image: "smartbugs/solhint:3.3.8"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	opts := engine.created.HostConfig.SecurityOpt
	if len(opts) != 1 || !strings.HasPrefix(opts[0], `seccomp={"defaultAction":"SCMP_ACT_ALLOW"`) {
		t.Errorf("SecurityOpt = %v", opts)
	}
}
