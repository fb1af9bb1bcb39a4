package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/pictura/internal/listener"
	"github.com/starford/pictura/internal/router"
)

// Database drivers.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// Storage drivers.
const (
	StorageFS    = "fs"
	StorageMinIO = "minio"
	StorageS3    = "s3"
)

// Config represents the application configuration.
type Config struct {
	App            ApplicationConfig         `yaml:"app"`
	Database       DatabaseConfig            `yaml:"database"`
	Storage        StorageConfig             `yaml:"storage"`
	Auth           AuthConfig                `yaml:"auth"`
	Routes         []RouteConfig             `yaml:"routes"`
	Resources      map[string]string         `yaml:"resources"`
	EventListeners map[string]ListenerConfig `yaml:"event_listeners"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	for i := range c.Routes {
		if err := c.Routes[i].Validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	for name, l := range c.EventListeners {
		for _, key := range l.PublicKeys {
			if _, ok := c.Auth.Keys[key]; !ok {
				return fmt.Errorf("event_listeners.%s: unknown public key %q", name, key)
			}
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level   `yaml:"log_level"`
	HTTP     HTTPConfig   `yaml:"http"`
	Events   EventsConfig `yaml:"events"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port        int   `yaml:"port"`
	MaxBodySize int64 `yaml:"max_body_size"`
	Gzip        bool  `yaml:"gzip"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.MaxBodySize, validation.Min(int64(0))),
	)
}

// EventsConfig controls the server-sent event stream.
type EventsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Throttle time.Duration `yaml:"throttle"`
}

// DatabaseConfig selects and configures the metadata database.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(DatabaseSQLite, DatabasePostgres)),
	); err != nil {
		return err
	}
	switch c.Driver {
	case DatabasePostgres:
		return c.Postgres.Validate()
	default:
		return c.SQLite.Validate()
	}
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// Validate validates the Postgres configuration.
func (c *PostgresConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxConns, validation.Min(int32(0))),
	)
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	FS     FSConfig    `yaml:"fs"`
	MinIO  MinIOConfig `yaml:"minio"`
	S3     S3Config    `yaml:"s3"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(StorageFS, StorageMinIO, StorageS3)),
	); err != nil {
		return err
	}
	switch c.Driver {
	case StorageMinIO:
		return c.MinIO.Validate()
	case StorageS3:
		return c.S3.Validate()
	default:
		return c.FS.Validate()
	}
}

// FSConfig holds the image directory. With Watch set, blobs removed from
// the directory by other processes are dropped from the database as well.
type FSConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the filesystem storage configuration.
func (c *FSConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// MinIOConfig holds MinIO connection settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
}

// Validate validates the MinIO configuration.
func (c *MinIOConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.Required),
		validation.Field(&c.AccessKey, validation.Required),
		validation.Field(&c.SecretKey, validation.Required),
		validation.Field(&c.Bucket, validation.Required),
	)
}

// S3Config holds S3 bucket settings. Credentials come from the default AWS
// chain.
type S3Config struct {
	Region  string        `yaml:"region"`
	Bucket  string        `yaml:"bucket"`
	Prefix  string        `yaml:"prefix"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the S3 configuration.
func (c *S3Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Bucket, validation.Required),
	)
}

var publicKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AuthConfig holds the account keys. Keys maps each public key to its
// private key. MaxClockSkew bounds how far a signed timestamp may drift
// from server time; zero disables the check.
type AuthConfig struct {
	Keys         map[string]string `yaml:"keys"`
	MaxClockSkew time.Duration     `yaml:"max_clock_skew"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Keys, validation.Required),
		validation.Field(&c.MaxClockSkew, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	for pub, priv := range c.Keys {
		if !publicKeyPattern.MatchString(pub) {
			return fmt.Errorf("auth: invalid public key %q", pub)
		}
		if priv == "" {
			return fmt.Errorf("auth: private key for %q is empty", pub)
		}
	}
	return nil
}

// RouteConfig adds a route or replaces a built-in one with the same name.
type RouteConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Validate validates the route configuration.
func (c *RouteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.Pattern, validation.Required),
	)
}

// ListenerConfig attaches a listener from the registry. An empty Listener
// disables a built-in listener of the same name.
type ListenerConfig struct {
	Listener   string         `yaml:"listener"`
	Events     map[string]int `yaml:"events"`
	PublicKeys []string       `yaml:"public_keys"`
	Params     map[string]any `yaml:"params"`
}

// RouteList converts the configured routes for the router.
func (c *Config) RouteList() []router.Route {
	out := make([]router.Route, len(c.Routes))
	for i, r := range c.Routes {
		out[i] = router.Route{Name: r.Name, Pattern: r.Pattern}
	}
	return out
}

// ListenerBindings converts the configured listeners, sorted by name.
func (c *Config) ListenerBindings() []listener.Binding {
	names := make([]string, 0, len(c.EventListeners))
	for name := range c.EventListeners {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]listener.Binding, 0, len(names))
	for _, name := range names {
		l := c.EventListeners[name]
		out = append(out, listener.Binding{
			Name:       name,
			Listener:   l.Listener,
			Events:     l.Events,
			PublicKeys: l.PublicKeys,
			Params:     l.Params,
		})
	}
	return out
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:        8080,
				MaxBodySize: 32 << 20,
				Gzip:        true,
			},
			Events: EventsConfig{
				Enabled:  true,
				Throttle: 2 * time.Second,
			},
		},
		Database: DatabaseConfig{
			Driver: DatabaseSQLite,
			SQLite: SQLiteConfig{
				Path: "./pictura.db",
			},
			Postgres: PostgresConfig{
				MaxConns:        10,
				MaxConnIdleTime: 5 * time.Minute,
			},
		},
		Storage: StorageConfig{
			Driver: StorageFS,
			FS: FSConfig{
				Path:  "./images",
				Watch: true,
			},
			S3: S3Config{
				Timeout: 30 * time.Second,
			},
		},
		Auth: AuthConfig{
			MaxClockSkew: 5 * time.Minute,
		},
	}
}
