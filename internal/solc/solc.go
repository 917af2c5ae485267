// Package solc resolves Solidity version pragmas to local compiler binaries.
package solc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoPragma      = errors.New("no version pragma")
	ErrNoVersion     = errors.New("no matching solc version")
	ErrNotAvailable  = errors.New("solc binary not available")
	pragmaRE         = regexp.MustCompile(`pragma\s+solidity\s*([^;]*);`)
	binaryNamePrefix = "solc-"
)

// Resolver turns a pragma into a compiler version and a version into a local
// binary path.
type Resolver interface {
	Resolve(ctx context.Context, pragma string) (string, error)
	Materialize(ctx context.Context, version string) (string, error)
}

// Pragma returns the constraint of the first version pragma in src, or "".
func Pragma(src []byte) string {
	m := pragmaRE.FindSubmatch(src)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// Cache resolves against the official release list and keeps downloaded
// binaries in a local directory. Versions already in the directory are
// usable offline.
type Cache struct {
	dir      string
	baseURL  string
	platform string
	http     *http.Client

	mu       sync.Mutex
	listed   bool
	releases map[string]string // version -> file name under baseURL/platform
}

// NewCache creates a resolver storing binaries under dir.
func NewCache(dir, baseURL, platform string) *Cache {
	return &Cache{
		dir:      dir,
		baseURL:  strings.TrimRight(baseURL, "/"),
		platform: platform,
		http:     &http.Client{Timeout: 2 * time.Minute},
	}
}

type releaseList struct {
	Releases map[string]string `json:"releases"`
}

// loadList fetches the release list once per run. Failure is not fatal: the
// caller proceeds with the locally cached versions.
func (c *Cache) loadList(ctx context.Context) {
	if c.listed {
		return
	}
	c.listed = true

	url := fmt.Sprintf("%s/%s/list.json", c.baseURL, c.platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err == nil {
		var resp *http.Response
		resp, err = c.http.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err = fmt.Errorf("GET %s: %s", url, resp.Status)
			} else {
				var list releaseList
				if err = json.NewDecoder(resp.Body).Decode(&list); err == nil {
					c.releases = list.Releases
				}
			}
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to load list of solc versions, proceeding with locally installed versions")
	}
}

// available returns every known version, newest first.
func (c *Cache) available() []*semver.Version {
	seen := make(map[string]bool)
	var versions []*semver.Version
	add := func(s string) {
		if seen[s] {
			return
		}
		v, err := semver.StrictNewVersion(s)
		if err != nil || v.Prerelease() != "" {
			return
		}
		seen[s] = true
		versions = append(versions, v)
	}

	for v := range c.releases {
		add(v)
	}
	if entries, err := os.ReadDir(c.dir); err == nil {
		for _, e := range entries {
			if name := e.Name(); strings.HasPrefix(name, binaryNamePrefix) {
				add(strings.TrimPrefix(name, binaryNamePrefix))
			}
		}
	}

	sort.Sort(sort.Reverse(semver.Collection(versions)))
	return versions
}

// Resolve picks the newest version satisfying pragma.
func (c *Cache) Resolve(ctx context.Context, pragma string) (string, error) {
	if strings.TrimSpace(pragma) == "" {
		return "", ErrNoPragma
	}
	constraint, err := semver.NewConstraint(normalize(pragma))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoVersion, pragma, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.loadList(ctx)
	for _, v := range c.available() {
		if constraint.Check(v) {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoVersion, pragma)
}

// Materialize returns the path of the binary for version, downloading it
// into the cache directory if necessary.
func (c *Cache) Materialize(ctx context.Context, version string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.dir, binaryNamePrefix+version)
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path, nil
	}

	c.loadList(ctx)
	name, ok := c.releases[version]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAvailable, version)
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("creating solc cache %s: %w", c.dir, err)
	}

	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.platform, name)
	log.Info().Str("version", version).Str("url", url).Msg("downloading solc")

	if err := c.download(ctx, url, path); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotAvailable, version, err)
	}
	return path, nil
}

func (c *Cache) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0755); err != nil { // #nosec G302 -- compiler binary must be executable
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// normalize rewrites Solidity pragma syntax into something semver accepts:
// "=0.4.24" becomes "0.4.24" and "^0.5.0 <0.7.0" keeps its implicit AND.
func normalize(pragma string) string {
	fields := strings.Fields(pragma)
	for i, f := range fields {
		if strings.HasPrefix(f, "=") && !strings.HasPrefix(f, "==") {
			fields[i] = strings.TrimPrefix(f, "=")
		}
	}
	return strings.Join(fields, " ")
}
