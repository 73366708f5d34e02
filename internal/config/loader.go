package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads a configuration file into a merged raw map, resolving
// $include directives. Included files are merged first so the including
// file wins.
func LoadRaw(path string) (map[string]any, error) {
	raw, _, err := loadFiles(path)
	return raw, err
}

// loadFiles is LoadRaw that also reports every file read, in load order.
func loadFiles(path string) (map[string]any, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, fmt.Errorf("config path is required")
	}
	l := &loader{seen: map[string]bool{}}
	raw, err := l.load(path)
	if err != nil {
		return nil, nil, err
	}
	return raw, l.files, nil
}

type loader struct {
	seen  map[string]bool
	files []string
}

func (l *loader) load(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.seen[absPath] {
		return nil, fmt.Errorf("config include cycle at %s", absPath)
	}
	l.seen[absPath] = true
	defer delete(l.seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	l.files = append(l.files, absPath)

	raw, err := parseDocument([]byte(expandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		incRaw, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// expandEnv replaces ${VAR} and $VAR. ${VAR:-fallback} uses fallback when
// VAR is unset or empty.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasFallback {
			return v
		}
		return fallback
	})
}

// parseDocument decodes one file. .json and .json5 go through json5;
// everything else must be a single YAML document.
func parseDocument(data []byte, name string) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("multiple YAML documents in one config file")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// takeIncludes removes the $include key and returns its paths.
func takeIncludes(raw map[string]any) ([]string, error) {
	value, ok := raw[includeKey]
	delete(raw, includeKey)
	if !ok || value == nil {
		return nil, nil
	}
	if one, ok := value.(string); ok {
		return []string{one}, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	paths := make([]string, len(list))
	for i, entry := range list {
		if paths[i], ok = entry.(string); !ok {
			return nil, fmt.Errorf("%s[%d] is not a string", includeKey, i)
		}
	}
	return paths, nil
}

// mergeMaps overlays src onto dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, value := range src {
		nested, isMap := value.(map[string]any)
		existing, hasMap := dst[key].(map[string]any)
		if isMap && hasMap {
			value = mergeMaps(existing, nested)
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips the merged map through YAML so unknown keys
// are rejected regardless of the source format.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
