package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"github.com/titanous/json5"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// LoadInput reads the run input from path. The file may be JSON or JSON5.
// A sibling "<name>.local.<ext>" file, when present, overrides the fields it sets.
func LoadInput(path string) (types.Input, error) {
	var in types.Input

	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("error reading input %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("error parsing input %s: %w", path, err)
	}

	localPath := localOverridePath(path)
	if local, err := os.ReadFile(localPath); err == nil && len(local) > 0 {
		var override types.Input
		if err := json5.Unmarshal(local, &override); err != nil {
			return in, fmt.Errorf("error parsing input override %s: %w", localPath, err)
		}
		if err := mergo.Merge(&in, override, mergo.WithOverride); err != nil {
			return in, fmt.Errorf("error merging input override %s: %w", localPath, err)
		}
		logrus.Infof("Merged input with local overrides from %s", localPath)
	}

	in.Normalize()
	return in, nil
}

// ParseInput parses an input document that is already in memory.
func ParseInput(data []byte) (types.Input, error) {
	var in types.Input
	if err := json5.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("error parsing input: %w", err)
	}
	in.Normalize()
	return in, nil
}

func localOverridePath(path string) string {
	dir, base := filepath.Dir(path), filepath.Base(path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, strings.TrimSuffix(base, ext)+".local"+ext)
}
