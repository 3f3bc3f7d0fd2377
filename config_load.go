package keygateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchema string

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
		panic(fmt.Sprintf("add config schema: %v", err))
	}
	return c.MustCompile("config.schema.json")
}

// LoadConfig reads, schema-validates, and parses a config file.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if err := validateSchema(doc); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
		if err := validateSchema(doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	if token := os.Getenv("KEYGATE_ADMIN_TOKEN"); token != "" {
		cfg.Admin.Token = token
	}

	return &cfg, nil
}

// validateSchema checks a decoded config document against the embedded
// JSON schema. The document is round-tripped through encoding/json first so
// YAML-decoded values use the scalar types the validator expects.
func validateSchema(doc interface{}) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalizing config document: %w", err)
	}
	var normalized interface{}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("normalizing config document: %w", err)
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("config schema validation: %w", err)
	}
	return nil
}

// ValidateConfig checks a Config for correctness beyond what the schema
// expresses: catalog category membership, limit signs, duplicate credential
// seeds, and driver/DSN coherence.
func ValidateConfig(cfg Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}

	if err := cfg.Catalog.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Credentials))
	for i, seed := range cfg.Credentials {
		if seed.Secret == "" {
			return fmt.Errorf("credentials[%d]: empty secret", i)
		}
		if _, dup := seen[seed.Secret]; dup {
			return fmt.Errorf("credentials[%d]: duplicate secret", i)
		}
		seen[seed.Secret] = struct{}{}
	}

	switch cfg.Store.Driver {
	case "", DriverSQLite, DriverNone:
	case DriverPostgres:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store: postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}

	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis: negative db index %d", cfg.Redis.DB)
	}

	return nil
}
