// Package render produces the collaborator configuration files (sniffer
// and shipper) from static templates by mechanical ${name} substitution.
// Rendering the same template with the same values is byte-identical.
package render

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/edgesoc/ids2-agent/internal/config"
)

var keyRe = regexp.MustCompile(`\$\{([a-z][a-z0-9_]*)\}`)

// Substitute replaces every ${key} in the template with its value. A key
// with no binding is an error; templates contain no logic, only slots.
func Substitute(tmpl string, values map[string]string) (string, error) {
	var missing string
	out := keyRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := keyRe.FindStringSubmatch(m)[1]
		v, ok := values[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("template references unknown key %q", missing)
	}
	return out, nil
}

// File renders templatePath into outPath.
func File(templatePath, outPath string, values map[string]string) error {
	tmpl, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("read template: %w", err)
	}
	out, err := Substitute(string(tmpl), values)
	if err != nil {
		return fmt.Errorf("render %s: %w", templatePath, err)
	}
	if err := os.WriteFile(outPath, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}

// PipelineValues is the substitution set for both pipeline templates:
// the sniffer interface/output and the shipper source, batching, buffer,
// and cluster sink facets.
func PipelineValues(cfg *config.Config, endpoint string) map[string]string {
	return map[string]string{
		"interface":        cfg.Interface,
		"host_ip":          cfg.HostIP,
		"ram_log":          cfg.RAMLog,
		"endpoint":         endpoint,
		"profile":          cfg.Profile,
		"region":           cfg.Region,
		"index_prefix":     cfg.IndexPrefix,
		"batch_size":       strconv.Itoa(cfg.BulkSize),
		"batch_timeout_s":  strconv.Itoa(int(cfg.BulkTimeout.Seconds())),
		"buffer_dir":       cfg.BufferDir,
		"buffer_max_bytes": strconv.FormatInt(cfg.BufferMaxBytes, 10),
	}
}

// CheckShipperConfig verifies the rendered shipper file is valid TOML.
func CheckShipperConfig(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := toml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("shipper config %s: %w", path, err)
	}
	if len(doc) == 0 {
		return fmt.Errorf("shipper config %s: empty document", path)
	}
	return nil
}

// CheckSnifferConfig verifies the rendered sniffer file is valid YAML.
func CheckSnifferConfig(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("sniffer config %s: %w", path, err)
	}
	if len(doc) == 0 {
		return fmt.Errorf("sniffer config %s: empty document", path)
	}
	return nil
}
