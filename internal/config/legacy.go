package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LegacyDomain is the top-level key of the legacy YAML file
const LegacyDomain = "nature_remo"

// LegacyConfig is the file-based configuration accepted before UI setup existed:
//
//	nature_remo:
//	  access_token: xxxxx
type LegacyConfig struct {
	AccessToken string `yaml:"access_token"`
}

// ImportResult is the outcome of ImportLegacy
type ImportResult struct {
	Entry Entry
	// RemoveLegacy is always set once an import has been attempted: the
	// file must not stay a second source of truth
	RemoveLegacy bool
}

// ErrLegacyMissingToken is returned when the legacy block has no token
var ErrLegacyMissingToken = errors.New("legacy config has no access_token")

// ImportLegacy converts a legacy file config into a config entry
func ImportLegacy(legacy LegacyConfig) (ImportResult, error) {
	token := strings.TrimSpace(legacy.AccessToken)
	if token == "" {
		return ImportResult{RemoveLegacy: true}, ErrLegacyMissingToken
	}
	return ImportResult{
		Entry:        NewEntry(SourceImport, token, DefaultUpdateIntervalSeconds),
		RemoveLegacy: true,
	}, nil
}

// LoadLegacy reads the nature_remo block from a YAML file. It returns nil
// without error when the file or the block does not exist
func LoadLegacy(path string) (*LegacyConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read legacy config: %w", err)
	}
	return ParseLegacy(data)
}

// ParseLegacy extracts the nature_remo block; other top-level keys are ignored
func ParseLegacy(data []byte) (*LegacyConfig, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse legacy config: %w", err)
	}
	node, ok := doc[LegacyDomain]
	if !ok {
		return nil, nil
	}
	var legacy LegacyConfig
	if err := node.Decode(&legacy); err != nil {
		return nil, fmt.Errorf("decode %s block: %w", LegacyDomain, err)
	}
	return &legacy, nil
}
