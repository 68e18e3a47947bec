package plan

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	// PluginExt is the extension of local and override plugin files
	PluginExt = ".plugin"

	// Marker must appear in a local plugin file for it to be picked up
	Marker = "hostwatch:plugin"

	// PropertiesFileName holds values for lookup: options
	PropertiesFileName = "plugins.properties"
)

// DiscoverLocal returns the local plugins found in dir. Only files starting
// with a letter are considered, which leaves numeric override files alone.
// Options come from the plan entry whose filename matches.
func DiscoverLocal(dir string, planned []Descriptor, logger *zap.Logger) []Descriptor {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+PluginExt))
	if err != nil {
		logger.Warn("Could not scan for local plugins", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	sort.Strings(paths)

	var local []Descriptor
	for _, path := range paths {
		name := filepath.Base(path)
		if !startsWithLetter(name) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Info("Error trying to read local plugin", zap.String("path", path), zap.Error(err))
			continue
		}
		code := string(data)
		if !strings.Contains(code, Marker) {
			logger.Info("Local plugin has no plugin marker, ignoring it", zap.String("path", path))
			continue
		}

		d := Descriptor{
			Name:          name,
			LocalFilename: name,
			Origin:        OriginLocal,
			Code:          code,
			Interval:      0,
		}
		for _, p := range planned {
			if p.Filename == name {
				d.Options = p.Clone().Options
				break
			}
		}
		local = append(local, d)
	}
	return local
}

func startsWithLetter(name string) bool {
	if name == "" {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// LoadProperties parses key=value lines. Blank lines and lines starting
// with # are skipped; the value is everything after the first =.
// A missing file yields an empty map.
func LoadProperties(path string) (map[string]string, error) {
	props := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return props, nil
		}
		return props, fmt.Errorf("failed to open properties: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return props, fmt.Errorf("failed to read properties: %w", err)
	}
	return props, nil
}
