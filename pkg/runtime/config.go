// Package runtime assembles the core's components — bus, dispatcher chain,
// memory, tools, agents, orchestrator — from one YAML configuration.
package runtime

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kongusen/fractalcore/pkg/fractal"
	"github.com/kongusen/fractalcore/pkg/memory"
	"github.com/kongusen/fractalcore/pkg/observability"
	"github.com/kongusen/fractalcore/pkg/vector"
)

// Config is the top-level runtime configuration.
type Config struct {
	// Name identifies the root agent.
	Name  string `yaml:"name"`
	Model string `yaml:"model"`

	Agent         AgentConfig           `yaml:"agent"`
	Memory        memory.Config         `yaml:"memory"`
	Vector        vector.ProviderConfig `yaml:"vector"`
	Bus           BusConfig             `yaml:"bus"`
	Dispatch      DispatchConfig        `yaml:"dispatch"`
	Fractal       fractal.Config        `yaml:"fractal"`
	Sandbox       SandboxConfig         `yaml:"sandbox"`
	Observability observability.Config  `yaml:"observability"`
}

// AgentConfig configures the root agent's loop.
type AgentConfig struct {
	Role            string  `yaml:"role"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxIterations   int     `yaml:"max_iterations"`
	RequireDoneTool bool    `yaml:"require_done_tool"`
	ContextWindow   int     `yaml:"context_window"`
	OutputReserve   float64 `yaml:"output_reserve"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	RingSize      int  `yaml:"ring_size"`
	DiagnosticTap bool `yaml:"diagnostic_tap"`
}

// DispatchConfig configures the interceptor chain.
type DispatchConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	MaxDepth              int           `yaml:"max_depth"`
	MaxSessionTokens      int64         `yaml:"max_session_tokens"`
	AllowedSourcePrefixes []string      `yaml:"allowed_source_prefixes"`
	GatedTopics           []string      `yaml:"gated_topics"`
}

// SandboxConfig configures the sandboxed tool boundary.
type SandboxConfig struct {
	Root       string        `yaml:"root"`
	Timeout    time.Duration `yaml:"timeout"`
	Operations []string      `yaml:"operations"`
}

// SetDefaults fills zero-valued fields across every subsystem.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "root"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.Agent.Role == "" {
		c.Agent.Role = "assistant"
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = "You are a helpful agent. Use your tools, delegate when useful, and call done with your final answer."
	}
	if c.Bus.RingSize == 0 {
		c.Bus.RingSize = 1000
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 30 * time.Second
	}
	if c.Dispatch.MaxDepth == 0 {
		c.Dispatch.MaxDepth = 3
	}
	if len(c.Dispatch.AllowedSourcePrefixes) == 0 {
		c.Dispatch.AllowedSourcePrefixes = []string{"/agent/", "/system/"}
	}
	c.Memory.SetDefaults()
	c.Vector.SetDefaults()
	c.Fractal.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate reports configuration errors across every subsystem.
func (c Config) Validate() error {
	if err := c.Vector.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if c.Agent.OutputReserve < 0 || c.Agent.OutputReserve >= 1 {
		return fmt.Errorf("runtime: agent.output_reserve must be in [0,1), got %v", c.Agent.OutputReserve)
	}
	if c.Dispatch.MaxDepth < 1 {
		return fmt.Errorf("runtime: dispatch.max_depth must be at least 1")
	}
	return nil
}

// LoadConfig reads and parses a YAML config file, applying defaults and
// validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtime: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("runtime: parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
