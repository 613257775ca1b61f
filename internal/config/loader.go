package config

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/fsutil"
)

// DefaultScope names the stage scope when no file sets one.
const DefaultScope = "study"

// Load reads configuration from path, which may be a single .hcl file or
// a directory searched recursively. Files are merged into one Config.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration path: %w", err)
	}
	var files []string
	if info.IsDir() {
		if files, err = fsutil.FindFilesByExtension(path, ".hcl"); err != nil {
			return nil, fmt.Errorf("finding configuration files in %s: %w", path, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no .hcl configuration files found in %s", path)
		}
	} else {
		files = []string{path}
	}

	cfg := &Config{}
	parser := hclparse.NewParser()
	for _, file := range files {
		logger.Debug("Loading configuration file.", "path", file)
		decoded, err := decodeFile(parser, file)
		if err != nil {
			return nil, err
		}
		if err := cfg.merge(decoded, file); err != nil {
			return nil, err
		}
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if len(cfg.Pipelines) == 0 {
		return nil, fmt.Errorf("configuration declares no pipeline blocks")
	}
	logger.Debug("Configuration loaded.", "pipelines", len(cfg.Pipelines), "scope", cfg.Scope)
	return cfg, nil
}

func decodeFile(parser *hclparse.Parser, path string) (*File, error) {
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}
	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &f); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}
	return &f, nil
}

func (c *Config) merge(f *File, path string) error {
	if f.Scope != "" {
		if c.Scope != "" && c.Scope != f.Scope {
			return fmt.Errorf("%s: scope %q conflicts with earlier scope %q", path, f.Scope, c.Scope)
		}
		c.Scope = f.Scope
	}
	if f.Topology != nil {
		if c.Topology != nil {
			return fmt.Errorf("%s: duplicate topology block", path)
		}
		c.Topology = f.Topology
	}
	if f.Run != nil {
		if c.Run != nil {
			return fmt.Errorf("%s: duplicate run block", path)
		}
		c.Run = f.Run
	}
	c.Pipelines = append(c.Pipelines, f.Pipelines...)
	return nil
}
