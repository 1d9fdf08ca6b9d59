package btcopilot

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Resources 内置资源: prompt library, boilerplates and an example backtest.
//
//go:embed resources/*.csv resources/*.py
var Resources embed.FS

//go:embed settings.example.yaml
var settingsExample []byte

// ResourcesFS returns the embedded resources directory.
func ResourcesFS() (fs.FS, error) {
	return fs.Sub(Resources, "resources")
}

// Scaffold writes the embedded resources into <dir>/<resourcesDir> and an example
// settings.yaml into dir. Existing files are kept unless force is set. It returns the
// paths it wrote.
func Scaffold(dir, resourcesDir string, force bool) ([]string, error) {
	if resourcesDir == "" {
		resourcesDir = "resources"
	}
	sub, err := ResourcesFS()
	if err != nil {
		return nil, err
	}

	var written []string
	write := func(path string, data []byte) error {
		if !force {
			if _, err := os.Stat(path); err == nil {
				return nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
		return nil
	}

	err = fs.WalkDir(sub, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(sub, name)
		if err != nil {
			return err
		}
		return write(filepath.Join(dir, resourcesDir, filepath.FromSlash(name)), data)
	})
	if err != nil {
		return written, err
	}
	if err := write(filepath.Join(dir, "settings.yaml"), settingsExample); err != nil {
		return written, err
	}
	return written, nil
}
