package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const configHeader = `prefork Configuration File
Every key can also be set through the environment with the PREFORK_ prefix,
e.g. PREFORK_SERVER_PORT=9000.`

// fieldComments are attached to the generated YAML keys, by dotted path.
var fieldComments = map[string]string{
	"logging":        "Logging",
	"logging.level":  "DEBUG, INFO, WARN or ERROR",
	"logging.format": "text or json",
	"logging.output": "stdout, stderr or a file path",

	"server":                           "Process and admission settings",
	"server.prefork_process_number":    "Worker processes; 1 serves from a single process",
	"server.thread_number_per_process": "Connections each worker handles before it stops accepting",
	"server.sleep_timer":               "Pause of a saturated worker (duration, or plain seconds)",
	"server.host":                      "Numeric bind address; empty binds all addresses",
	"server.port":                      "Numeric TCP port",
	"server.pid_file":                  "Written with the PID of the parent process",
	"server.pid_lock":                  "Hold an exclusive lock on <pid_file>.lock while running",
	"server.user":                      "User and group to switch to when started as root",
	"server.accept_rate":               "Accepts per second per worker; 0 is unlimited",
	"server.accept_burst":              "Token bucket size for accept_rate",
}

// InitConfig writes the default configuration to the default location and
// returns its path. It refuses to overwrite an existing file unless force
// is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if !force && ConfigExists() {
		return "", fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}
	if err := WriteConfigFile(path, GetDefaultConfig()); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	return WriteConfigFile(path, GetDefaultConfig())
}

// WriteConfigFile atomically writes cfg to path as commented YAML.
func WriteConfigFile(path string, cfg *Config) error {
	data, err := generateYAMLWithComments(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := renameio.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func generateYAMLWithComments(cfg *Config) (string, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	annotate(&root, "")

	var buf bytes.Buffer
	for _, line := range strings.Split(configHeader, "\n") {
		buf.WriteString("# " + line + "\n")
	}
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func annotate(node *yaml.Node, prefix string) {
	if node.Kind != yaml.MappingNode {
		return
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		path := key.Value
		if prefix != "" {
			path = prefix + "." + key.Value
		}
		if comment, ok := fieldComments[path]; ok {
			key.HeadComment = comment
		}

		annotate(value, path)
	}
}
