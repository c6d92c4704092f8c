package config

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.trai.ch/kiln/internal/adapters/fs"
	"go.trai.ch/kiln/internal/adapters/script" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

var (
	// YAMLConfig parses .yaml and .yml config files.
	YAMLConfig = fs.Parser{Name: "yaml", Parse: parseYAML}
	// TOMLConfig parses .toml config files.
	TOMLConfig = fs.Parser{Name: "toml", Parse: parseTOML}
	// IgnoreList parses .kilnignore files into patterns.
	IgnoreList = fs.Parser{Name: "ignore", Parse: parseIgnore}
)

// parserFor picks the parser for a config file by extension. A bare .kilnrc is JSON.
func parserFor(path string) fs.Parser {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return YAMLConfig
	case ".toml":
		return TOMLConfig
	case ".star":
		return script.Parser
	default:
		return fs.JSONObject
	}
}

func parseYAML(path string, content []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(content, &v); err != nil {
		return nil, zerr.With(
			zerr.Wrap(domain.ErrParse, fmt.Sprintf("%s: Error while parsing config - %s", path, err)),
			"path", path,
		)
	}
	return objectOrError(path, v)
}

func parseTOML(path string, content []byte) (any, error) {
	var v map[string]any
	if err := toml.Unmarshal(content, &v); err != nil {
		return nil, zerr.With(
			zerr.Wrap(domain.ErrParse, fmt.Sprintf("%s: Error while parsing config - %s", path, err)),
			"path", path,
		)
	}
	if len(v) == 0 {
		return nil, zerr.With(zerr.Wrap(domain.ErrShape, path+": No config detected"), "path", path)
	}
	return v, nil
}

// objectOrError accepts plain objects only, the way package descriptors are checked.
func objectOrError(path string, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case nil:
		return nil, zerr.With(zerr.Wrap(domain.ErrShape, path+": No config detected"), "path", path)
	case []any:
		return nil, zerr.With(
			zerr.Wrap(domain.ErrShape, path+": Expected config object but found array"),
			"path", path,
		)
	default:
		return nil, zerr.With(
			zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: Config returned typeof %s", path, fs.TypeName(v))),
			"path", path,
		)
	}
}

func parseIgnore(path string, content []byte) (any, error) {
	var patterns []string
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") {
			return nil, zerr.With(
				zerr.Wrap(domain.ErrShape, path+": Negation of file paths is not supported."),
				"path", path,
			)
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}
