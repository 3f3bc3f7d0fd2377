package keygateway

import (
	"fmt"

	"github.com/nimbus-labs/key-gateway/models"
)

// Config holds the full gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `json:"server" yaml:"server"`
	// Admin configures the administration API.
	Admin AdminConfig `json:"admin" yaml:"admin"`
	// GatewayDirective selects the upstream base URL: "" for the direct
	// endpoint, "default" for the built-in forwarding gateway, or
	// "project/gateway" for an explicit one.
	GatewayDirective string `json:"gateway_directive,omitempty" yaml:"gateway_directive,omitempty"`
	// Credentials seeds the pool at startup. Seeds whose secret already
	// exists in the store are skipped.
	Credentials []CredentialSeed `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	// Catalog maps model identifiers to categories and quota limits.
	Catalog models.Catalog `json:"catalog" yaml:"catalog"`
	// Store configures the durable backing store.
	Store StoreConfig `json:"store" yaml:"store"`
	// Redis optionally mirrors store mutations to Redis.
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// Addr returns the listen address, defaulting to ":8080".
func (s ServerConfig) Addr() string {
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// AdminConfig configures the administration API. An empty token disables
// every admin route. The KEYGATE_ADMIN_TOKEN environment variable overrides
// the file value so tokens can stay out of config files.
type AdminConfig struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// CredentialSeed is a credential declared in the config file.
type CredentialSeed struct {
	Secret string `json:"secret" yaml:"secret"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// StoreDriver names a backing store implementation.
type StoreDriver string

// Supported store drivers. DriverNone keeps all state in memory.
const (
	DriverSQLite   StoreDriver = "sqlite"
	DriverPostgres StoreDriver = "postgres"
	DriverNone     StoreDriver = "none"
)

// StoreConfig configures the durable backing store.
type StoreConfig struct {
	Driver StoreDriver `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string      `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// RedisConfig configures the optional Redis mirror. A zero Addr disables it.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}
