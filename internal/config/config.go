package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DeviceConfig lists the field devices served by this gateway.
// The slices are parallel: entry i of each list describes device i.
type DeviceConfig struct {
	ConnectionStrings []string `validate:"dive,required"`
	IDs               []string `validate:"dive,required"`
	NValves           []int    `validate:"dive,min=0"`
	EUIs              []string `validate:"dive,required"`
	ReceiveData       bool
	SampleIntervalSec int `validate:"min=1"`
}

// ChirpStackConfig holds the settings for the local ChirpStack stack.
type ChirpStackConfig struct {
	APIKey        string
	ServerURL     string
	APITLS        bool
	WebURL        string `validate:"omitempty,url"`
	TenantID      string
	Region        string `validate:"required,oneof=EU868 US915 CN779 EU433 AU915 CN470 AS923 AS923_2 AS923_3 AS923_4 KR920 IN865 RU864 ISM2400"`
	MQTTBroker    string
	ApplicationID string `validate:"required"`
}

// IoTHubConfig holds the service-side IoT Hub settings used by gwctl.
type IoTHubConfig struct {
	ServiceConnectionString string
}

// DatabaseConfig holds the HMI event store settings.
type DatabaseConfig struct {
	Driver             string `validate:"required,oneof=sqlite postgres"`
	Path               string
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// MinIOConfig holds object storage settings for the dead-letter archive.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an archive endpoint was configured.
func (c MinIOConfig) Enabled() bool { return c.Endpoint != "" }

// InfluxConfig holds settings for the telemetry history sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Enabled reports whether a history sink was configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// AppConfig is the centralized configuration struct for the gateway.
// It is populated from environment variables. Sensitive values are not hardcoded.
type AppConfig struct {
	Port       string `validate:"required"`
	Device     DeviceConfig
	ChirpStack ChirpStackConfig
	IoTHub     IoTHubConfig
	Database   DatabaseConfig
	MinIO      MinIOConfig
	Influx     InfluxConfig
	Logger     LoggerSettings `validate:"-"`

	loadErrs []error
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
// Values that can not be parsed are reported by Validate.
func Load() *AppConfig {
	cfg := &AppConfig{
		Port: getEnv("INFRA_HTTP_PORT", "8090"),
		Device: DeviceConfig{
			ConnectionStrings: getEnvList("DEVICE_CONNECTION_STRINGS"),
			IDs:               getEnvList("DEVICE_IDS"),
			EUIs:              getEnvList("DEVICE_EUIS"),
			ReceiveData:       getEnvBool("DEVICE_RECEIVE_DATA", true),
			SampleIntervalSec: getEnvInt("DEVICE_SAMPLE_INTERVAL_SEC", 10),
		},
		ChirpStack: ChirpStackConfig{
			APIKey:        getEnv("CHIRPSTACK_API_KEY", ""),
			ServerURL:     getEnv("CHIRPSTACK_SERVER_URL", ""),
			APITLS:        getEnvBool("CHIRPSTACK_API_TLS", false),
			WebURL:        getEnv("CHIRPSTACK_WEB_URL", "http://localhost:8080"),
			TenantID:      getEnv("CHIRPSTACK_TENANT_ID", ""),
			Region:        strings.ToUpper(getEnv("CHIRPSTACK_REGION", "EU868")),
			MQTTBroker:    getEnv("CHIRPSTACK_MQTT_BROKER", ""),
			ApplicationID: getEnv("CHIRPSTACK_APPLICATION_ID", "+"),
		},
		IoTHub: IoTHubConfig{
			ServiceConnectionString: getEnv("IOTHUB_SERVICE_CONNECTION_STRING", ""),
		},
		Database: DatabaseConfig{
			Driver:             getEnv("INFRA_DB_DRIVER", "sqlite"),
			Path:               getEnv("INFRA_DB_PATH", "data/database.db"),
			Host:               getEnv("INFRA_DB_HOST", ""),
			Port:               getEnv("INFRA_DB_PORT", "5432"),
			User:               getEnv("INFRA_DB_USER", ""),
			Password:           getEnv("INFRA_DB_PASSWORD", ""),
			Name:               getEnv("INFRA_DB_NAME", ""),
			SSLMode:            getEnv("INFRA_DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("INFRA_DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("INFRA_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("INFRA_DB_CONN_MAX_LIFETIME_SEC", 300),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("INFRA_MINIO_ENDPOINT", ""),
			AccessKey: getEnv("INFRA_MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("INFRA_MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("INFRA_MINIO_BUCKET", "lorahub-deadletter"),
			UseSSL:    getEnvBool("INFRA_MINIO_USE_SSL", false),
		},
		Influx: InfluxConfig{
			URL:    getEnv("INFRA_INFLUX_URL", ""),
			Token:  getEnv("INFRA_INFLUX_TOKEN", ""),
			Org:    getEnv("INFRA_INFLUX_ORG", ""),
			Bucket: getEnv("INFRA_INFLUX_BUCKET", "telemetry"),
		},
		Logger: LoggerSettings{
			LogLevel:   getEnv("LOG_LEVEL", LogLevelInfo),
			LogType:    getEnv("LOG_TYPE", LogTypeConsole),
			FilePath:   getEnv("LOG_FILE_PATH", ""),
			MaxSize:    getEnvInt("LOG_MAX_SIZE", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvInt("LOG_MAX_AGE", 28),
		},
	}

	nValves, err := getEnvIntList("DEVICE_N_VALVES")
	if err != nil {
		cfg.loadErrs = append(cfg.loadErrs, err)
	}
	cfg.Device.NValves = nValves

	return cfg
}

// Validate checks field constraints and the cross-field rules between the
// parallel device lists.
func (c *AppConfig) Validate() error {
	errs := append([]error(nil), c.loadErrs...)

	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, fmt.Errorf("validation failed for AppConfig: %w", err))
	}
	if err := c.Device.checkLengths(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (d DeviceConfig) checkLengths() error {
	if len(d.ConnectionStrings) != len(d.IDs) || len(d.IDs) != len(d.NValves) {
		return fmt.Errorf(
			"DEVICE_CONNECTION_STRINGS, DEVICE_IDS, and DEVICE_N_VALVES must have the same number of entries. Got: %d, %d, %d",
			len(d.ConnectionStrings), len(d.IDs), len(d.NValves),
		)
	}
	if len(d.EUIs) > 0 && len(d.EUIs) != len(d.IDs) {
		return fmt.Errorf("DEVICE_EUIS must have one entry per device. Got: %d, want %d", len(d.EUIs), len(d.IDs))
	}
	return nil
}

// Redacted returns a printable view of the configuration with secrets masked.
func (c *AppConfig) Redacted() map[string]any {
	conns := make([]string, len(c.Device.ConnectionStrings))
	for i, cs := range c.Device.ConnectionStrings {
		conns[i] = mask(cs)
	}

	return map[string]any{
		"INFRA_HTTP_PORT":                  c.Port,
		"DEVICE_CONNECTION_STRINGS":        conns,
		"DEVICE_IDS":                       c.Device.IDs,
		"DEVICE_N_VALVES":                  c.Device.NValves,
		"DEVICE_EUIS":                      c.Device.EUIs,
		"DEVICE_RECEIVE_DATA":              c.Device.ReceiveData,
		"DEVICE_SAMPLE_INTERVAL_SEC":       c.Device.SampleIntervalSec,
		"CHIRPSTACK_API_KEY":               mask(c.ChirpStack.APIKey),
		"CHIRPSTACK_SERVER_URL":            c.ChirpStack.ServerURL,
		"CHIRPSTACK_WEB_URL":               c.ChirpStack.WebURL,
		"CHIRPSTACK_TENANT_ID":             c.ChirpStack.TenantID,
		"CHIRPSTACK_REGION":                c.ChirpStack.Region,
		"CHIRPSTACK_MQTT_BROKER":           c.ChirpStack.MQTTBroker,
		"CHIRPSTACK_APPLICATION_ID":        c.ChirpStack.ApplicationID,
		"IOTHUB_SERVICE_CONNECTION_STRING": mask(c.IoTHub.ServiceConnectionString),
		"INFRA_DB_DRIVER":                  c.Database.Driver,
		"INFRA_DB_PATH":                    c.Database.Path,
		"INFRA_DB_HOST":                    c.Database.Host,
		"INFRA_DB_PASSWORD":                mask(c.Database.Password),
		"INFRA_MINIO_ENDPOINT":             c.MinIO.Endpoint,
		"INFRA_MINIO_SECRET_KEY":           mask(c.MinIO.SecretKey),
		"INFRA_INFLUX_URL":                 c.Influx.URL,
		"INFRA_INFLUX_TOKEN":               mask(c.Influx.Token),
		"LOG_LEVEL":                        c.Logger.LogLevel,
		"LOG_TYPE":                         c.Logger.LogType,
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvBool is true only for 1, true or yes. Any other value that is set,
// the empty string included, is false; def applies when key is unset.
func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

// getEnvList splits a comma-separated variable, trimming blanks and
// dropping empty items.
func getEnvList(key string) []string {
	out := []string{}
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvIntList(key string) ([]int, error) {
	parts := getEnvList(key)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return out, fmt.Errorf("%s: invalid integer %q", key, p)
		}
		out = append(out, i)
	}
	return out, nil
}
