// Package sites provides the directory of monitored sites.
package sites

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var log = slog.Default().With("component", "sites")

//go:embed schema/sites.schema.json
var schemaJSON []byte

const schemaURL = "https://sitepresence.local/schema/sites-v1.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// ErrDuplicateSite is returned when two sites share an id.
var ErrDuplicateSite = errors.New("sites: duplicate site id")

// Directory answers which sites are monitored.
type Directory interface {
	Sites(ctx context.Context) ([]types.MonitoredSite, error)
}

// Static is a fixed list of sites.
type Static []types.MonitoredSite

func (s Static) Sites(context.Context) ([]types.MonitoredSite, error) {
	return append([]types.MonitoredSite(nil), s...), nil
}

// Lookup returns the site with id from list.
func Lookup(list []types.MonitoredSite, id types.SiteID) (types.MonitoredSite, bool) {
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return types.MonitoredSite{}, false
}

type document struct {
	Sites []types.MonitoredSite `yaml:"sites" json:"sites"`
}

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// Parse validates and decodes a YAML or JSON site document.
func Parse(data []byte) ([]types.MonitoredSite, error) {
	// YAML is a superset of JSON, one decoder covers both
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse sites: %w", err)
	}

	// normalise to encoding/json types before schema validation
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalise sites: %w", err)
	}
	var instance any
	if err := json.Unmarshal(buf, &instance); err != nil {
		return nil, fmt.Errorf("failed to normalise sites: %w", err)
	}

	sch, err := schema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid sites document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode sites: %w", err)
	}

	seen := make(map[types.SiteID]bool, len(doc.Sites))
	for i := range doc.Sites {
		s := &doc.Sites[i]
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSite, s.ID)
		}
		seen[s.ID] = true
		if s.ManualTriggerRadius == 0 {
			s.ManualTriggerRadius = s.AutoTriggerRadius
		}
	}
	return doc.Sites, nil
}

// LoadFile reads and parses a site file.
func LoadFile(path string) ([]types.MonitoredSite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}
	return Parse(data)
}
