package ai

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultModelsYAML []byte

type ModelConfig struct {
	ID                 string  `yaml:"id" json:"id"`
	Name               string  `yaml:"name" json:"name"`
	Provider           string  `yaml:"provider" json:"provider"`
	MaxTokens          int     `yaml:"max_tokens" json:"maxTokens"`
	DefaultTemperature float64 `yaml:"default_temperature" json:"defaultTemperature"`
	SupportsStreaming  bool    `yaml:"supports_streaming" json:"supportsStreaming"`
}

type catalogFile struct {
	Models []ModelConfig `yaml:"models"`
}

// Catalog is the set of models the relay will forward to.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelConfig
	order  []string
}

func NewCatalog(models ...ModelConfig) *Catalog {
	c := &Catalog{models: make(map[string]ModelConfig)}
	for _, m := range models {
		c.Register(m)
	}
	return c
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("parse model catalog: no models declared")
	}
	for i, m := range f.Models {
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("parse model catalog: models[%d] has no id", i)
		}
		if m.MaxTokens <= 0 {
			return nil, fmt.Errorf("parse model catalog: %s: max_tokens must be positive", m.ID)
		}
	}
	return NewCatalog(f.Models...), nil
}

// DefaultCatalog returns the embedded model list.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultModelsYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog reads path, or falls back to the embedded list when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

func (c *Catalog) Register(m ModelConfig) {
	m.ID = strings.TrimSpace(m.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.models[m.ID]; !exists {
		c.order = append(c.order, m.ID)
	}
	c.models[m.ID] = m
}

func (c *Catalog) Get(id string) (ModelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[strings.TrimSpace(id)]
	return m, ok
}

// Lookup is Get with a ModelError for unknown ids.
func (c *Catalog) Lookup(id string) (ModelConfig, error) {
	m, ok := c.Get(id)
	if !ok {
		return ModelConfig{}, apperr.Model(fmt.Sprintf("unsupported model: %s", id))
	}
	return m, nil
}

func (c *Catalog) List() []ModelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelConfig, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}
