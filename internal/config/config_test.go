package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Setenv("DEVICE_CONNECTION_STRINGS", "HostName=h;DeviceId=a;SharedAccessKey=k, HostName=h;DeviceId=b;SharedAccessKey=k")
	t.Setenv("DEVICE_IDS", "pulse-id-100, pulse-id-101")
	t.Setenv("DEVICE_N_VALVES", "4,2")
}

func TestLoad(t *testing.T) {
	validEnv(t)
	t.Setenv("DEVICE_RECEIVE_DATA", "no")
	t.Setenv("INFRA_DB_MAX_OPEN_CONNS", "20")
	t.Setenv("INFRA_MINIO_USE_SSL", "true")
	t.Setenv("CHIRPSTACK_REGION", "us915")

	cfg := Load()

	assert.Equal(t, []string{"pulse-id-100", "pulse-id-101"}, cfg.Device.IDs)
	assert.Equal(t, []int{4, 2}, cfg.Device.NValves)
	assert.Len(t, cfg.Device.ConnectionStrings, 2)
	assert.False(t, cfg.Device.ReceiveData)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.True(t, cfg.MinIO.UseSSL)
	assert.Equal(t, "US915", cfg.ChirpStack.Region)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"DEVICE_IDS", "INFRA_DB_PATH", "INFRA_DB_DRIVER", "CHIRPSTACK_REGION"} {
		t.Setenv(k, "")
	}
	// t.Setenv restores the variable after the test; unset it for Load.
	t.Setenv("DEVICE_RECEIVE_DATA", "")
	require.NoError(t, os.Unsetenv("DEVICE_RECEIVE_DATA"))

	cfg := Load()

	assert.Empty(t, cfg.Device.IDs)
	assert.True(t, cfg.Device.ReceiveData)
	assert.Equal(t, "data/database.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "EU868", cfg.ChirpStack.Region)
	assert.Equal(t, "+", cfg.ChirpStack.ApplicationID)
	assert.False(t, cfg.MinIO.Enabled())
	assert.False(t, cfg.Influx.Enabled())
}

func TestValidate(t *testing.T) {
	t.Run("length mismatch", func(t *testing.T) {
		validEnv(t)
		t.Setenv("DEVICE_N_VALVES", "4")

		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must have the same number of entries. Got: 2, 2, 1")
	})

	t.Run("eui count mismatch", func(t *testing.T) {
		validEnv(t)
		t.Setenv("DEVICE_EUIS", "0102030405060708")

		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DEVICE_EUIS")
	})

	t.Run("invalid valve count", func(t *testing.T) {
		validEnv(t)
		t.Setenv("DEVICE_N_VALVES", "4,two")

		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid integer "two"`)
	})

	t.Run("unknown region", func(t *testing.T) {
		validEnv(t)
		t.Setenv("CHIRPSTACK_REGION", "MARS433")

		assert.Error(t, Load().Validate())
	})

	t.Run("unknown db driver", func(t *testing.T) {
		validEnv(t)
		t.Setenv("INFRA_DB_DRIVER", "mongo")

		assert.Error(t, Load().Validate())
	})
}

func TestRedacted(t *testing.T) {
	validEnv(t)
	t.Setenv("CHIRPSTACK_API_KEY", "secret-key")

	out := Load().Redacted()

	assert.Equal(t, "****", out["CHIRPSTACK_API_KEY"])
	assert.Equal(t, []string{"****", "****"}, out["DEVICE_CONNECTION_STRINGS"])
	assert.Equal(t, []string{"pulse-id-100", "pulse-id-101"}, out["DEVICE_IDS"])
}

func TestGetEnv(t *testing.T) {
	key := "TEST_ENV_VAR"
	t.Setenv(key, "value")

	assert.Equal(t, "value", getEnv(key, "default"))
	assert.Equal(t, "default", getEnv("NON_EXISTENT", "default"))
}

func TestGetEnvBool(t *testing.T) {
	key := "TEST_BOOL_VAR"

	for _, v := range []string{"1", "true", "YES", " yes "} {
		t.Setenv(key, v)
		assert.True(t, getEnvBool(key, false), v)
	}

	for _, v := range []string{"false", "0", "off", "n", "disabled", "invalid", ""} {
		t.Setenv(key, v)
		assert.False(t, getEnvBool(key, true), v)
	}

	assert.True(t, getEnvBool("TEST_BOOL_VAR_UNSET", true))
	assert.False(t, getEnvBool("TEST_BOOL_VAR_UNSET", false))
}

func TestLoadReceiveData(t *testing.T) {
	for v, want := range map[string]bool{
		"yes":      true,
		"1":        true,
		"off":      false,
		"n":        false,
		"disabled": false,
		"":         false,
	} {
		t.Setenv("DEVICE_RECEIVE_DATA", v)
		assert.Equal(t, want, Load().Device.ReceiveData, v)
	}
}

func TestGetEnvInt(t *testing.T) {
	key := "TEST_INT_VAR"

	t.Setenv(key, "123")
	assert.Equal(t, 123, getEnvInt(key, 0))

	t.Setenv(key, "invalid")
	assert.Equal(t, 10, getEnvInt(key, 10))

	assert.Equal(t, 10, getEnvInt("TEST_INT_VAR_UNSET", 10))
}

func TestGetEnvList(t *testing.T) {
	key := "TEST_LIST_VAR"
	t.Setenv(key, " a, ,b ,,c")

	assert.Equal(t, []string{"a", "b", "c"}, getEnvList(key))

	t.Setenv(key, "")
	assert.Equal(t, []string{}, getEnvList(key))
}

func TestLoggerSettingsValidate(t *testing.T) {
	s := LoggerSettings{LogLevel: LogLevelInfo, LogType: LogTypeConsole}
	assert.NoError(t, s.Validate())

	s = LoggerSettings{LogLevel: "verbose", LogType: LogTypeConsole}
	assert.Error(t, s.Validate())

	s = LoggerSettings{LogLevel: LogLevelDebug, LogType: LogTypeFile}
	assert.ErrorContains(t, s.Validate(), "file path is required")

	s = LoggerSettings{LogLevel: LogLevelDebug, LogType: LogTypeFile, FilePath: "x.log", MaxSize: 10, MaxBackups: 3, MaxAge: 7}
	assert.NoError(t, s.Validate())
}
