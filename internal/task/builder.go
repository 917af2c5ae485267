package task

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"solscan/internal/collect"
	"solscan/internal/config"
	"solscan/internal/solc"
	"solscan/internal/tools"
)

// Builder turns collected files and selected tools into tasks. A Builder
// holds the result directories claimed so far and is meant for one run.
type Builder struct {
	settings *config.Settings
	resolver solc.Resolver
	images   *ImageCache

	used       map[string]struct{}
	collisions int
}

// NewBuilder creates a builder. resolver may be nil when no selected tool
// needs a compiler.
func NewBuilder(settings *config.Settings, resolver solc.Resolver, images *ImageCache) *Builder {
	return &Builder{
		settings: settings,
		resolver: resolver,
		images:   images,
		used:     make(map[string]struct{}),
	}
}

// Collisions returns how many result directories needed a numeric suffix.
func (b *Builder) Collisions() int {
	return b.collisions
}

// Build emits one task per distinct file and matching tool. Files are
// processed in path order and tools in (id, mode) order so result
// directories are stable across reruns.
func (b *Builder) Build(ctx context.Context, files []collect.File, ts []tools.Tool) ([]*Task, error) {
	files = append([]collect.File(nil), files...)
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Abs != files[j].Abs {
			return files[i].Abs < files[j].Abs
		}
		return files[i].Rel < files[j].Rel
	})

	ts = append([]tools.Tool(nil), ts...)
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].ID != ts[j].ID {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].Mode < ts[j].Mode
	})

	var tasks []*Task
	last := ""
	for _, f := range files {
		if f.Abs == last {
			continue
		}
		last = f.Abs

		kind := Kind(f.Abs, b.settings.Runtime)
		if kind == "" {
			continue
		}

		var pragma string
		if kind == tools.Solidity {
			src, err := os.ReadFile(f.Abs)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", f.Abs, err)
			}
			pragma = solc.Pragma(src)
		}

		for _, tool := range ts {
			if tool.Mode != kind {
				continue
			}

			t := &Task{
				AbsFile:   f.Abs,
				RelFile:   f.Rel,
				ResultDir: b.claim(b.settings.ResultDir(tool.ID, tool.Mode, f.Abs, f.Rel)),
				Tool:      tool,
				Settings:  b.settings,
			}

			if tool.Solc {
				version, path, err := b.compiler(ctx, pragma, f.Abs, tool.ID)
				if err != nil {
					return nil, err
				}
				t.SolcVersion, t.SolcPath = version, path
			}

			if err := b.images.Ensure(ctx, tool.Image); err != nil {
				return nil, err
			}

			tasks = append(tasks, t)
		}
	}

	b.reportCollisions(len(files))
	return tasks, nil
}

// claim returns base, or base_2, base_3, ... if base is already taken.
func (b *Builder) claim(base string) string {
	dir := base
	for n := 2; ; n++ {
		if _, taken := b.used[dir]; !taken {
			break
		}
		dir = base + "_" + strconv.Itoa(n)
	}
	if dir != base {
		b.collisions++
	}
	b.used[dir] = struct{}{}
	return dir
}

func (b *Builder) compiler(ctx context.Context, pragma, absfn, toolID string) (string, string, error) {
	if b.resolver == nil {
		return "", "", fmt.Errorf("%w: no compiler resolver configured, required by %s and %s", ErrCompiler, toolID, absfn)
	}

	version, err := b.resolver.Resolve(ctx, pragma)
	if err != nil || version == "" {
		return "", "", fmt.Errorf("%w: cannot determine Solidity version\n%s: %s: %v", ErrCompiler, absfn, pragma, err)
	}

	path, err := b.resolver.Materialize(ctx, version)
	if err != nil || path == "" {
		return "", "", fmt.Errorf("%w: cannot load solc %s\nrequired by %s and %s: %v", ErrCompiler, version, toolID, absfn, err)
	}
	return version, path, nil
}

func (b *Builder) reportCollisions(nfiles int) {
	if b.collisions == 0 {
		return
	}
	log.Warn().Int("collisions", b.collisions).Msg("collision(s) of result directories resolved")
	if float64(b.collisions) > float64(nfiles)*0.1 {
		log.Warn().Msg("consider using more of $TOOL, $MODE, $ABSDIR, $RELDIR, $FILENAME, $FILEBASE, $FILEEXT when specifying the 'results' directory")
	}
}
