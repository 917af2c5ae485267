package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestQueue_DeliversEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out syncBuffer
	q := NewQueue(zerolog.New(&out), 4)
	q.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Info(fmt.Sprintf("worker %d message %d", w, i), map[string]any{"worker": w})
			}
		}(w)
	}
	wg.Wait()
	q.Stop()

	require.Len(t, out.Lines(), 400)
	for _, line := range out.Lines() {
		require.Contains(t, line, `"level":"info"`)
		require.Contains(t, line, `"worker":`)
	}
}

func TestQueue_SendAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out syncBuffer
	q := NewQueue(zerolog.New(&out), 0)
	q.Start()
	q.Warn("before", nil)
	q.Stop()
	q.Stop()
	q.Error("after", nil)

	lines := out.Lines()
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "before")
	require.Contains(t, lines[1], `"level":"error"`)
}

func TestQueue_NotStarted(t *testing.T) {
	var out syncBuffer
	q := NewQueue(zerolog.New(&out), 1)
	q.Debug("direct", map[string]any{"k": "v"})
	q.Stop()

	require.Equal(t, []string{`{"level":"debug","k":"v","message":"direct"}`}, out.Lines())
}

func TestSetup_FileLevels(t *testing.T) {
	saved := log.Logger
	defer func() { log.Logger = saved }()

	file := filepath.Join(t.TempDir(), "logs", "run.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	require.NoError(t, os.WriteFile(file, []byte("old\n"), 0o644))

	closer, err := Setup(true, file, false)
	require.NoError(t, err)
	log.Debug().Msg("debug record")
	log.Info().Msg("info record")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "old", lines[0])
	require.Contains(t, lines[1], "debug record")
	require.Contains(t, lines[2], "info record")

	closer, err = Setup(true, file, true)
	require.NoError(t, err)
	log.Info().Msg("fresh")
	require.NoError(t, closer.Close())

	data, err = os.ReadFile(file)
	require.NoError(t, err)
	require.NotContains(t, string(data), "old")
	require.Contains(t, string(data), "fresh")
}
