// Package config provides configuration loading and management for RecoveryGuard
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage location identifiers accepted in Recovery.StorageLocations
const (
	StorageLocal   = "local"
	StorageKV      = "kv"
	StorageIndexed = "indexed"
	StorageS3      = "s3"
)

// PrimaryDBConfig defines the connection to the system-of-record database
type PrimaryDBConfig struct {
	Driver     string `yaml:"driver"` // postgres, pgx or mysql
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	SSLMode    string `yaml:"sslMode"`
	DSN        string `yaml:"dsn"`        // Overrides the individual fields when set
	ProbeTable string `yaml:"probeTable"` // Table used by the connectivity probe
}

// DataPriorities groups table names into ordered backup tiers
type DataPriorities struct {
	Critical  []string `yaml:"critical"`
	Important []string `yaml:"important"`
	Standard  []string `yaml:"standard"`
}

// RecoveryConfig defines what gets backed up and where
type RecoveryConfig struct {
	DataPriorities      DataPriorities `yaml:"dataPriorities"`
	StorageLocations    []string       `yaml:"storageLocations"`
	RTOHours            int            `yaml:"rto"` // Advisory only
	RPOMinutes          int            `yaml:"rpo"` // Advisory only
	IncludeStandardTier bool           `yaml:"includeStandardTier"`
	WriteQuorum         int            `yaml:"writeQuorum"`
}

// LocalConfig defines the filesystem backend
type LocalConfig struct {
	BackupDirectory string `yaml:"backupDirectory"`
}

// KVConfig defines the badger key-value backend
type KVConfig struct {
	Directory string `yaml:"directory"`
	InMemory  bool   `yaml:"inMemory"`
}

// IndexedConfig defines the indexed structured-store backend
type IndexedConfig struct {
	Dialect string `yaml:"dialect"` // sqlite or mysql
	Path    string `yaml:"path"`    // SQLite file
	DSN     string `yaml:"dsn"`     // MySQL DSN
}

// S3Config defines S3 storage settings
type S3Config struct {
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"`
	UseSSL             bool   `yaml:"useSSL"`
	CustomCAPath       string `yaml:"customCAPath"`
	SkipCertValidation bool   `yaml:"skipCertValidation"`
}

// ScheduleConfig defines the periodic jobs
type ScheduleConfig struct {
	Enabled             bool   `yaml:"enabled"`
	HealthCheckInterval string `yaml:"healthCheckInterval"`
	BackupTimeOfDay     string `yaml:"backupTimeOfDay"` // HH:MM, local time
	RetentionSchedule   string `yaml:"retentionSchedule"` // Cron expression
}

// RetentionConfig defines scheduled pruning of time-boxed backups
type RetentionConfig struct {
	Period string `yaml:"period"`
}

// RestoreConfig tunes the restore path
type RestoreConfig struct {
	InsertBatchSize          int `yaml:"insertBatchSize"`
	EstimateRecordsPerSecond int `yaml:"estimateRecordsPerSecond"`
}

// HealthConfig tunes the health monitor
type HealthConfig struct {
	StorageProbeTimeout string `yaml:"storageProbeTimeout"`
	MaxBackupAge        string `yaml:"maxBackupAge"`
}

// ReplicationConfig defines the change-notification watcher
type ReplicationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ChannelPrefix string `yaml:"channelPrefix"`
}

// MetricsConfig defines admin/metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Primary     PrimaryDBConfig   `yaml:"primary"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Local       LocalConfig       `yaml:"local"`
	KV          KVConfig          `yaml:"kv"`
	Indexed     IndexedConfig     `yaml:"indexed"`
	S3          S3Config          `yaml:"s3"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Retention   RetentionConfig   `yaml:"retention"`
	Restore     RestoreConfig     `yaml:"restore"`
	Health      HealthConfig      `yaml:"health"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Debug       bool              `yaml:"debug"`
	LogLevel    string            `yaml:"logLevel"`
	LogFormat   string            `yaml:"logFormat"`
	ConfigFile  string            `yaml:"-"`
}

// Default returns the configuration used when nothing is overridden
func Default() *AppConfig {
	return &AppConfig{
		Primary: PrimaryDBConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     "5432",
			Username: "postgres",
			Database: "assets",
			SSLMode:  "disable",
		},
		Recovery: RecoveryConfig{
			DataPriorities: DataPriorities{
				Critical:  []string{"organizations", "profiles"},
				Important: []string{"customers", "assets", "asset_assignments"},
				Standard:  []string{"asset_scans", "activity_logs"},
			},
			StorageLocations: []string{StorageKV, StorageIndexed},
			RTOHours:         4,
			RPOMinutes:       60,
			WriteQuorum:      1,
		},
		Local:   LocalConfig{BackupDirectory: "/backups/files"},
		KV:      KVConfig{Directory: "/backups/kv"},
		Indexed: IndexedConfig{Dialect: "sqlite", Path: "/backups/index.db"},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "recovery-backups",
			UseSSL: true,
		},
		Schedule: ScheduleConfig{
			Enabled:             true,
			HealthCheckInterval: "30m",
			BackupTimeOfDay:     "02:00",
			RetentionSchedule:   "15 * * * *",
		},
		Retention: RetentionConfig{Period: "720h"},
		Restore: RestoreConfig{
			InsertBatchSize:          500,
			EstimateRecordsPerSecond: 1000,
		},
		Health: HealthConfig{
			StorageProbeTimeout: "5s",
			MaxBackupAge:        "24h",
		},
		Replication: ReplicationConfig{ChannelPrefix: "recovery_changes_"},
		Metrics:     MetricsConfig{Port: "8080"},
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// LoadConfiguration builds the configuration from defaults, an optional YAML
// file named by CONFIG_FILE, and finally environment variables.
func LoadConfiguration() (*AppConfig, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnvironment()
	cfg.setDefaults()

	if cfg.Debug {
		log.Printf("Configuration loaded: %+v", cfg.masked())
	}

	return cfg, nil
}

// loadFile overlays YAML settings onto cfg
func (cfg *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ConfigFile = path
	return nil
}

// loadFromEnvironment overrides settings with environment variables.
// Every lookup falls back to the value already present.
func (cfg *AppConfig) loadFromEnvironment() {
	cfg.Debug = parseEnvBool("DEBUG", cfg.Debug)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	// Primary database
	cfg.Primary.Driver = getEnvOrDefault("PRIMARY_DB_DRIVER", cfg.Primary.Driver)
	cfg.Primary.Host = getEnvOrDefault("PRIMARY_DB_HOST", cfg.Primary.Host)
	cfg.Primary.Port = getEnvOrDefault("PRIMARY_DB_PORT", cfg.Primary.Port)
	cfg.Primary.Username = getEnvOrDefault("PRIMARY_DB_USERNAME", cfg.Primary.Username)
	cfg.Primary.Password = getEnvOrDefault("PRIMARY_DB_PASSWORD", cfg.Primary.Password)
	cfg.Primary.Database = getEnvOrDefault("PRIMARY_DB_DATABASE", cfg.Primary.Database)
	cfg.Primary.SSLMode = getEnvOrDefault("PRIMARY_DB_SSLMODE", cfg.Primary.SSLMode)
	cfg.Primary.DSN = getEnvOrDefault("PRIMARY_DB_DSN", cfg.Primary.DSN)
	cfg.Primary.ProbeTable = getEnvOrDefault("PRIMARY_DB_PROBE_TABLE", cfg.Primary.ProbeTable)

	// Recovery tiers and backends
	cfg.Recovery.DataPriorities.Critical = parseEnvList("RECOVERY_CRITICAL_TABLES", cfg.Recovery.DataPriorities.Critical)
	cfg.Recovery.DataPriorities.Important = parseEnvList("RECOVERY_IMPORTANT_TABLES", cfg.Recovery.DataPriorities.Important)
	cfg.Recovery.DataPriorities.Standard = parseEnvList("RECOVERY_STANDARD_TABLES", cfg.Recovery.DataPriorities.Standard)
	cfg.Recovery.StorageLocations = parseEnvList("RECOVERY_STORAGE_LOCATIONS", cfg.Recovery.StorageLocations)
	cfg.Recovery.RTOHours = parseEnvInt("RECOVERY_RTO_HOURS", cfg.Recovery.RTOHours)
	cfg.Recovery.RPOMinutes = parseEnvInt("RECOVERY_RPO_MINUTES", cfg.Recovery.RPOMinutes)
	cfg.Recovery.IncludeStandardTier = parseEnvBool("RECOVERY_INCLUDE_STANDARD_TIER", cfg.Recovery.IncludeStandardTier)
	cfg.Recovery.WriteQuorum = parseEnvInt("RECOVERY_WRITE_QUORUM", cfg.Recovery.WriteQuorum)

	// Backends
	cfg.Local.BackupDirectory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", cfg.Local.BackupDirectory)
	cfg.KV.Directory = getEnvOrDefault("KV_DIRECTORY", cfg.KV.Directory)
	cfg.KV.InMemory = parseEnvBool("KV_IN_MEMORY", cfg.KV.InMemory)
	cfg.Indexed.Dialect = getEnvOrDefault("INDEXED_DIALECT", cfg.Indexed.Dialect)
	cfg.Indexed.Path = getEnvOrDefault("INDEXED_PATH", cfg.Indexed.Path)
	cfg.Indexed.DSN = getEnvOrDefault("INDEXED_DSN", cfg.Indexed.DSN)

	cfg.S3.Bucket = getEnvOrDefault("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = getEnvOrDefault("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Prefix = getEnvOrDefault("S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", cfg.S3.PathStyle)
	cfg.S3.UseSSL = parseEnvBool("S3_USE_SSL", cfg.S3.UseSSL)
	cfg.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", cfg.S3.CustomCAPath)
	cfg.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", cfg.S3.SkipCertValidation)

	// Jobs
	cfg.Schedule.Enabled = parseEnvBool("SCHEDULE_ENABLED", cfg.Schedule.Enabled)
	cfg.Schedule.HealthCheckInterval = getEnvOrDefault("SCHEDULE_HEALTH_INTERVAL", cfg.Schedule.HealthCheckInterval)
	cfg.Schedule.BackupTimeOfDay = getEnvOrDefault("SCHEDULE_BACKUP_TIME", cfg.Schedule.BackupTimeOfDay)
	cfg.Schedule.RetentionSchedule = getEnvOrDefault("SCHEDULE_RETENTION", cfg.Schedule.RetentionSchedule)
	cfg.Retention.Period = getEnvOrDefault("RETENTION_PERIOD", cfg.Retention.Period)

	cfg.Restore.InsertBatchSize = parseEnvInt("RESTORE_BATCH_SIZE", cfg.Restore.InsertBatchSize)
	cfg.Restore.EstimateRecordsPerSecond = parseEnvInt("RESTORE_ESTIMATE_RPS", cfg.Restore.EstimateRecordsPerSecond)
	cfg.Health.StorageProbeTimeout = getEnvOrDefault("HEALTH_STORAGE_PROBE_TIMEOUT", cfg.Health.StorageProbeTimeout)
	cfg.Health.MaxBackupAge = getEnvOrDefault("HEALTH_MAX_BACKUP_AGE", cfg.Health.MaxBackupAge)

	cfg.Replication.Enabled = parseEnvBool("REPLICATION_ENABLED", cfg.Replication.Enabled)
	cfg.Replication.ChannelPrefix = getEnvOrDefault("REPLICATION_CHANNEL_PREFIX", cfg.Replication.ChannelPrefix)

	cfg.Metrics.Port = getEnvOrDefault("METRICS_PORT", cfg.Metrics.Port)
}

// setDefaults fills in anything a config file may have blanked
func (cfg *AppConfig) setDefaults() {
	def := Default()

	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = def.Metrics.Port
	}
	if cfg.Recovery.WriteQuorum <= 0 {
		cfg.Recovery.WriteQuorum = 1
	}
	if cfg.Restore.InsertBatchSize <= 0 {
		cfg.Restore.InsertBatchSize = def.Restore.InsertBatchSize
	}
	if cfg.Restore.EstimateRecordsPerSecond <= 0 {
		cfg.Restore.EstimateRecordsPerSecond = def.Restore.EstimateRecordsPerSecond
	}
	if cfg.Health.StorageProbeTimeout == "" {
		cfg.Health.StorageProbeTimeout = def.Health.StorageProbeTimeout
	}
	if cfg.Health.MaxBackupAge == "" {
		cfg.Health.MaxBackupAge = def.Health.MaxBackupAge
	}
	if cfg.Schedule.HealthCheckInterval == "" {
		cfg.Schedule.HealthCheckInterval = def.Schedule.HealthCheckInterval
	}
	if cfg.Schedule.BackupTimeOfDay == "" {
		cfg.Schedule.BackupTimeOfDay = def.Schedule.BackupTimeOfDay
	}
	if cfg.Schedule.RetentionSchedule == "" {
		cfg.Schedule.RetentionSchedule = def.Schedule.RetentionSchedule
	}
	if cfg.Retention.Period == "" {
		cfg.Retention.Period = def.Retention.Period
	}
	if cfg.Indexed.Dialect == "" {
		cfg.Indexed.Dialect = def.Indexed.Dialect
	}
	if cfg.Primary.ProbeTable == "" && len(cfg.Recovery.DataPriorities.Critical) > 0 {
		cfg.Primary.ProbeTable = cfg.Recovery.DataPriorities.Critical[0]
	}
	for i, loc := range cfg.Recovery.StorageLocations {
		cfg.Recovery.StorageLocations[i] = strings.ToLower(strings.TrimSpace(loc))
	}
}

// PrimaryDSN returns the data source name for the primary database driver
func (cfg *AppConfig) PrimaryDSN() string {
	p := cfg.Primary
	if p.DSN != "" {
		return p.DSN
	}

	switch p.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", p.Username, p.Password, p.Host, p.Port, p.Database)
	default:
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode)
	}
}

// HealthCheckInterval returns the parsed health check cadence
func (cfg *AppConfig) HealthCheckInterval() time.Duration {
	return parseDurationOr(cfg.Schedule.HealthCheckInterval, 30*time.Minute)
}

// RetentionPeriod returns how long time-boxed backups are kept
func (cfg *AppConfig) RetentionPeriod() time.Duration {
	return parseDurationOr(cfg.Retention.Period, 30*24*time.Hour)
}

// StorageProbeTimeout returns the per-backend probe timeout
func (cfg *AppConfig) StorageProbeTimeout() time.Duration {
	return parseDurationOr(cfg.Health.StorageProbeTimeout, 5*time.Second)
}

// MaxBackupAge returns the age after which the latest backup is considered stale
func (cfg *AppConfig) MaxBackupAge() time.Duration {
	return parseDurationOr(cfg.Health.MaxBackupAge, 24*time.Hour)
}

// BackupTime returns the configured hour and minute of the daily backup
func (cfg *AppConfig) BackupTime() (int, int, error) {
	return ParseTimeOfDay(cfg.Schedule.BackupTimeOfDay)
}

// ParseTimeOfDay parses an HH:MM string
func ParseTimeOfDay(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (expected HH:MM): %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("Error parsing %s as int: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

// parseEnvList reads a comma-separated list, dropping empty entries
func parseEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// masked returns a copy with secrets hidden, for logging
func (cfg *AppConfig) masked() AppConfig {
	c := *cfg
	c.Primary.Password = maskSensitiveInfo(c.Primary.Password)
	c.Primary.DSN = maskSensitiveInfo(c.Primary.DSN)
	c.Indexed.DSN = maskSensitiveInfo(c.Indexed.DSN)
	c.S3.AccessKey = maskSensitiveInfo(c.S3.AccessKey)
	c.S3.SecretKey = maskSensitiveInfo(c.S3.SecretKey)
	return c
}

// DisplayConfiguration outputs the current configuration in a readable format
// while masking sensitive information
func (cfg *AppConfig) DisplayConfiguration() {
	log.Println("========== RecoveryGuard Configuration ==========")
	log.Printf("Debug Mode: %t", cfg.Debug)
	log.Printf("Config File: %s", cfg.ConfigFile)

	log.Println("\n----- Primary Database -----")
	log.Printf("Driver: %s", cfg.Primary.Driver)
	log.Printf("Host: %s:%s", cfg.Primary.Host, cfg.Primary.Port)
	log.Printf("Database: %s", cfg.Primary.Database)
	log.Printf("Username: %s", cfg.Primary.Username)
	log.Printf("Password: %s", maskSensitiveInfo(cfg.Primary.Password))
	log.Printf("Probe Table: %s", cfg.Primary.ProbeTable)

	log.Println("\n----- Data Priorities -----")
	log.Printf("Critical: %s", strings.Join(cfg.Recovery.DataPriorities.Critical, ", "))
	log.Printf("Important: %s", strings.Join(cfg.Recovery.DataPriorities.Important, ", "))
	log.Printf("Standard: %s (included: %t)", strings.Join(cfg.Recovery.DataPriorities.Standard, ", "),
		cfg.Recovery.IncludeStandardTier)
	log.Printf("RTO: %dh  RPO: %dm", cfg.Recovery.RTOHours, cfg.Recovery.RPOMinutes)

	log.Println("\n----- Storage Locations -----")
	for _, loc := range cfg.Recovery.StorageLocations {
		switch loc {
		case StorageLocal:
			log.Printf("local: %s", cfg.Local.BackupDirectory)
		case StorageKV:
			log.Printf("kv: %s (in-memory: %t)", cfg.KV.Directory, cfg.KV.InMemory)
		case StorageIndexed:
			log.Printf("indexed: %s %s", cfg.Indexed.Dialect, cfg.Indexed.Path)
		case StorageS3:
			log.Printf("s3: bucket=%s region=%s endpoint=%s prefix=%s access=%s secret=%s",
				cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Endpoint, cfg.S3.Prefix,
				maskSensitiveInfo(cfg.S3.AccessKey), maskSensitiveInfo(cfg.S3.SecretKey))
		}
	}
	log.Printf("Write quorum: %d", cfg.Recovery.WriteQuorum)

	log.Println("\n----- Schedule -----")
	log.Printf("Enabled: %t", cfg.Schedule.Enabled)
	log.Printf("Health check interval: %s", cfg.Schedule.HealthCheckInterval)
	log.Printf("Daily backup at: %s", cfg.Schedule.BackupTimeOfDay)
	log.Printf("Retention: %s every %q", cfg.Retention.Period, cfg.Schedule.RetentionSchedule)

	log.Println("\n----- Metrics -----")
	log.Printf("Port: %s", cfg.Metrics.Port)
	log.Println("=================================================")
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last character, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}

// ValidateConfig checks the configuration for settings that cannot work
func (cfg *AppConfig) ValidateConfig() error {
	switch cfg.Primary.Driver {
	case "postgres", "pgx", "mysql":
	default:
		return fmt.Errorf("unsupported primary database driver: %s", cfg.Primary.Driver)
	}

	if len(cfg.Recovery.StorageLocations) == 0 {
		return fmt.Errorf("at least one storage location must be configured")
	}
	seen := make(map[string]bool)
	for _, loc := range cfg.Recovery.StorageLocations {
		switch loc {
		case StorageLocal:
			if cfg.Local.BackupDirectory == "" {
				return fmt.Errorf("local storage enabled but LOCAL_BACKUP_DIRECTORY is empty")
			}
		case StorageKV:
			if !cfg.KV.InMemory && cfg.KV.Directory == "" {
				return fmt.Errorf("kv storage enabled but KV_DIRECTORY is empty")
			}
		case StorageIndexed:
			switch cfg.Indexed.Dialect {
			case "sqlite":
				if cfg.Indexed.Path == "" {
					return fmt.Errorf("indexed storage uses sqlite but INDEXED_PATH is empty")
				}
			case "mysql":
				if cfg.Indexed.DSN == "" {
					return fmt.Errorf("indexed storage uses mysql but INDEXED_DSN is empty")
				}
			default:
				return fmt.Errorf("unsupported indexed dialect: %s", cfg.Indexed.Dialect)
			}
		case StorageS3:
			if cfg.S3.Bucket == "" {
				return fmt.Errorf("s3 storage enabled but S3_BUCKET is empty")
			}
		default:
			return fmt.Errorf("unknown storage location: %s", loc)
		}
		if seen[loc] {
			return fmt.Errorf("storage location %s listed more than once", loc)
		}
		seen[loc] = true
	}

	if cfg.Recovery.WriteQuorum > len(cfg.Recovery.StorageLocations) {
		return fmt.Errorf("write quorum %d exceeds the %d configured storage locations",
			cfg.Recovery.WriteQuorum, len(cfg.Recovery.StorageLocations))
	}

	if _, _, err := cfg.BackupTime(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(cfg.Schedule.HealthCheckInterval); err != nil {
		return fmt.Errorf("invalid health check interval %q: %w", cfg.Schedule.HealthCheckInterval, err)
	}
	if _, err := time.ParseDuration(cfg.Retention.Period); err != nil {
		return fmt.Errorf("invalid retention period %q: %w", cfg.Retention.Period, err)
	}

	return nil
}
