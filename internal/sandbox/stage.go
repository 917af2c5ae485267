package sandbox

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/go-archive"

	"solscan/internal/collect"
	"solscan/internal/task"
)

const (
	// MountPoint is where the staging directory appears in the container.
	MountPoint = "/src"
	binDir     = "bin"
	solcName   = "solc"
)

// Stage creates the staging directory of t below parent (os.TempDir when
// empty). It holds the artifact under its own base name and a bin
// directory with the tool's auxiliary binaries and the resolved compiler.
// The caller removes the directory.
func Stage(parent string, t *task.Task) (string, error) {
	dir, err := os.MkdirTemp(parent, "solscan_")
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	if err := populate(dir, t); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func populate(dir string, t *task.Task) error {
	dst := filepath.Join(dir, filepath.Base(t.AbsFile))
	var err error
	if strings.HasSuffix(t.AbsFile, collect.BytecodeExt) {
		err = stageHex(t.AbsFile, dst)
	} else {
		err = copyFile(t.AbsFile, dst, 0o644)
	}
	if err != nil {
		return err
	}

	bin := filepath.Join(dir, binDir)
	if t.Tool.Bin != "" {
		if err := archive.NewDefaultArchiver().CopyWithTar(t.Tool.Bin, bin); err != nil {
			return fmt.Errorf("staging %s: %w", t.Tool.Bin, err)
		}
	} else if err := os.Mkdir(bin, 0o755); err != nil {
		return fmt.Errorf("creating bin dir: %w", err)
	}

	if t.SolcPath != "" {
		return copyFile(t.SolcPath, filepath.Join(bin, solcName), 0o755)
	}
	return nil
}

// stageHex writes the first line of src without surrounding whitespace and
// without a 0x prefix.
func stageHex(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	code := strings.TrimPrefix(strings.TrimSpace(line), "0x")
	if err := os.WriteFile(dst, []byte(code), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	// OpenFile applies the umask.
	return os.Chmod(dst, mode)
}

// BuildRunArgs composes the container arguments of t for staging dir dir.
// Settings quotas override the tool's own.
func BuildRunArgs(t *task.Task, dir string) RunArgs {
	timeout := "0"
	if t.Settings.Timeout > 0 {
		timeout = strconv.Itoa(t.Settings.Timeout)
	}

	filename := path.Join(MountPoint, filepath.Base(t.AbsFile))
	command, entrypoint := t.Tool.Args(filename, timeout, path.Join(MountPoint, binDir))

	args := RunArgs{
		Image:      t.Tool.Image,
		Volumes:    map[string]Volume{dir: {Bind: MountPoint, Mode: "rw"}},
		Detach:     true,
		User:       0, // tools may write anywhere in their image
		CPUQuota:   t.Tool.CPUQuota,
		MemLimit:   t.Tool.MemLimit,
		Command:    command,
		Entrypoint: entrypoint,
	}
	if t.Settings.CPUQuota > 0 {
		args.CPUQuota = t.Settings.CPUQuota
	}
	if t.Settings.MemLimit != "" {
		args.MemLimit = t.Settings.MemLimit
	}
	return args
}
