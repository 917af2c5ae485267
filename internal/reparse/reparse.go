// Package reparse re-derives parsed results and SARIF documents from
// existing result directories without running any container.
package reparse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"solscan/internal/parsing"
	"solscan/internal/results"
	"solscan/internal/sarif"
)

var ErrNoTaskLog = errors.New("task log not found")

type Options struct {
	SARIF     bool
	Processes int
	Verbose   bool
}

type Summary struct {
	Dirs    int
	Parsed  int
	Skipped int
}

// Discover returns every directory below roots that holds a task log,
// sorted and without duplicates.
func Discover(roots []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && d.Name() == results.TaskLogFile {
				seen[filepath.Clean(filepath.Dir(path))] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Dir reparses one result directory from its task log, tool log and tool
// output. Old parser and SARIF outputs are removed first; if they persist
// the directory is left alone.
func Dir(path string, withSarif bool) error {
	d := &results.Dir{Path: path}

	tl, err := results.ReadTaskLog(d.File(results.TaskLogFile))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoTaskLog, err)
	}
	if err := d.ClearParsed(); err != nil {
		return err
	}

	lines, err := d.ReadToolLog()
	if err != nil {
		return err
	}
	output, err := d.ReadToolOutput()
	if err != nil {
		return err
	}

	parsed, err := parsing.Parse(tl, lines, output)
	if err != nil {
		return err
	}
	if err := d.WriteJSON(results.ParserOutputFile, parsed); err != nil {
		return err
	}
	if withSarif {
		return d.WriteJSON(results.SarifOutputFile, sarif.Sarify(tl.Tool, parsed.Findings))
	}
	return nil
}

// Run reparses dirs on a pool of opts.Processes workers. Failing
// directories are logged and skipped.
func Run(ctx context.Context, dirs []string, opts Options) (*Summary, error) {
	size := opts.Processes
	if size < 1 {
		size = 1
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sum = &Summary{Dirs: len(dirs)}
	)

	pool, err := ants.NewPoolWithFunc(size, func(arg any) {
		defer wg.Done()
		d, ok := arg.(string)
		if !ok {
			panic("reparse pool args type error")
		}
		if opts.Verbose {
			log.Info().Msg(d)
		}

		err := Dir(d, opts.SARIF)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoTaskLog):
			log.Warn().Msgf("%s: %s not found, skipping", d, results.TaskLogFile)
		case errors.Is(err, results.ErrClear):
			log.Warn().Msgf("%s: Cannot clear old parse output, skipping", d)
		default:
			log.Error().Err(err).Msgf("%s: reparse failed", d)
		}

		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			sum.Parsed++
		} else {
			sum.Skipped++
		}
	}, ants.WithPanicHandler(func(p any) {
		log.Error().Interface("panic", p).Msg("reparse worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("create reparse pool: %w", err)
	}
	defer func() {
		if err := pool.ReleaseTimeout(5 * time.Second); err != nil {
			log.Debug().Err(err).Msg("reparse pool release")
		}
	}()

	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return sum, err
		}
		wg.Add(1)
		if err := pool.Invoke(d); err != nil {
			wg.Done()
			wg.Wait()
			return sum, fmt.Errorf("submitting %s: %w", d, err)
		}
	}
	wg.Wait()
	return sum, nil
}
