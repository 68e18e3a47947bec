package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var lookupPattern = regexp.MustCompile(`^lookup:(.+)$`)

// ResolveOptions replaces "lookup:<key>" values with the matching property.
// Unresolvable lookups keep their raw value. The input map is not modified.
func ResolveOptions(opts map[string]any, props map[string]string, logger *zap.Logger) map[string]any {
	resolved := make(map[string]any, len(opts))
	for name, value := range opts {
		resolved[name] = value

		s, ok := value.(string)
		if !ok {
			continue
		}
		m := lookupPattern.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		key := strings.TrimSpace(m[1])
		if v, ok := props[key]; ok {
			resolved[name] = v
			continue
		}
		logger.Info("Option looks like a lookup but the key is not defined",
			zap.String("option", name),
			zap.String("lookup_key", key),
		)
	}
	return resolved
}

var optionsHeader = regexp.MustCompile(`OPTIONS ?= ?<<-?['"]?([A-Z_]+)['"]?`)

// EmbeddedOptions extracts the YAML block declared in code as
//
//	OPTIONS=<<EOS
//	  name:
//	    default: value
//	EOS
//
// It returns nil when no block is present.
func EmbeddedOptions(code string) (map[string]any, error) {
	loc := optionsHeader.FindStringSubmatchIndex(code)
	if loc == nil {
		return nil, nil
	}
	delim := code[loc[2]:loc[3]]
	rest := code[loc[1]:]

	end := -1
	for offset := 0; offset < len(rest); {
		idx := strings.Index(rest[offset:], delim)
		if idx < 0 {
			break
		}
		pos := offset + idx
		lineStart := strings.LastIndex(rest[:pos], "\n") + 1
		if strings.TrimSpace(rest[lineStart:pos]) == "" {
			end = lineStart
			break
		}
		offset = pos + len(delim)
	}
	if end < 0 {
		return nil, fmt.Errorf("options block %s is not terminated", delim)
	}

	body := rest[:end]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}

	var opts map[string]any
	if err := yaml.Unmarshal([]byte(body), &opts); err != nil {
		return nil, fmt.Errorf("invalid options block: %w", err)
	}
	return opts, nil
}
