package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const defaultDataDir = "/home/masa"
const defaultListenAddress = ":8080"

// JobConfiguration is the process level configuration read from the
// environment. Components pull typed values out of it with the Get* helpers.
type JobConfiguration map[string]any

func ReadConfig() JobConfiguration {
	jc := JobConfiguration{}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
		if err := os.Setenv("DATA_DIR", dataDir); err != nil {
			logrus.Fatalf("Failed to set DATA_DIR: %v", err)
		}
	}
	jc["data_dir"] = dataDir

	// Read the env file. Plain environment variables still apply without it.
	if err := godotenv.Load(filepath.Join(dataDir, ".env")); err != nil {
		logrus.Infof("No env file in %s, reading configuration from environment variables", dataDir)
	}

	level := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	jc["log_level"] = level.String()
	SetLogLevel(level)

	listenAddress := os.Getenv("LISTEN_ADDRESS")
	if listenAddress == "" {
		listenAddress = defaultListenAddress
	}
	jc["listen_address"] = listenAddress

	jc["standalone_mode"] = os.Getenv("STANDALONE") == "true"
	jc["profiling_enabled"] = os.Getenv("ENABLE_PPROF") == "true"

	jc["stats_buf_size"] = uint(envInt("STATS_BUF_SIZE", 128))
	jc["max_jobs"] = envInt("MAX_JOBS", 4)
	jc["max_request_retries"] = envInt("MAX_REQUEST_RETRIES", 10)
	jc["dataset_flush_size"] = envInt("DATASET_FLUSH_SIZE", 50)
	jc["navigations_per_minute"] = envInt("NAVIGATIONS_PER_MINUTE", 20)

	jc["idle_timeout_seconds"] = envSeconds("IDLE_TIMEOUT_SECONDS", 48)
	jc["max_session_seconds"] = envSeconds("MAX_SESSION_SECONDS", 3600)
	jc["checkpoint_interval_seconds"] = envSeconds("CHECKPOINT_INTERVAL_SECONDS", 60)
	jc["result_cache_max_age_seconds"] = envSeconds("RESULT_CACHE_MAX_AGE_SECONDS", 3600)
	jc["result_cache_max_size"] = envInt("RESULT_CACHE_MAX_SIZE", 10000)

	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		jc["api_key"] = apiKey
	}

	inputPath := os.Getenv("INPUT_PATH")
	if inputPath == "" {
		inputPath = filepath.Join(dataDir, "INPUT.json")
	}
	jc["input_path"] = inputPath

	jc["ledger_path"] = filepath.Join(dataDir, "ledger.db")
	jc["dataset_path"] = filepath.Join(dataDir, "dataset.jsonl")

	jc["twitter_accounts"] = envList("TWITTER_ACCOUNTS")
	jc["twitter_skip_login_verification"] = os.Getenv("TWITTER_SKIP_LOGIN_VERIFICATION") == "true"

	jc["driver"] = strings.ToLower(os.Getenv("DRIVER"))
	jc["feed_base_url"] = os.Getenv("FEED_BASE_URL")
	jc["feed_max_pages"] = envInt("FEED_MAX_PAGES", 0)
	jc["browser_remote_url"] = os.Getenv("BROWSER_REMOTE_URL")
	jc["browser_headless"] = os.Getenv("BROWSER_HEADLESS") != "false"

	return jc
}

func envInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		logrus.Errorf("Error parsing %s (%q). Setting to default %d.", name, s, def)
		return def
	}
	return v
}

func envSeconds(name string, def int) time.Duration {
	return time.Duration(envInt(name, def)) * time.Second
}

func envList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Unmarshal unmarshals the job configuration into the supplied interface.
func (jc JobConfiguration) Unmarshal(v any) error {
	data, err := json.Marshal(jc)
	if err != nil {
		return fmt.Errorf("error marshalling job configuration: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling job configuration: %w", err)
	}

	return nil
}

func (jc JobConfiguration) DataDir() string {
	return jc.GetString("data_dir", defaultDataDir)
}

func (jc JobConfiguration) ListenAddress() string {
	return jc.GetString("listen_address", defaultListenAddress)
}

func (jc JobConfiguration) IsStandaloneMode() bool {
	return jc.GetBool("standalone_mode", false)
}

// GetInt safely extracts an int from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetInt(key string, def int) (int, error) {
	if v, ok := jc[key]; ok {
		switch val := v.(type) {
		case int:
			return val, nil
		case int64:
			return int(val), nil
		case uint:
			return int(val), nil
		case float64:
			return int(val), nil
		case float32:
			return int(val), nil
		default:
			return def, fmt.Errorf("value %v for key %q cannot be converted to int", val, key)
		}
	}
	return def, nil
}

func (jc JobConfiguration) GetDuration(key string, defSecs int) time.Duration {
	if v, ok := jc[key]; ok {
		if val, ok := v.(time.Duration); ok {
			return val
		}
	}
	return time.Duration(defSecs) * time.Second
}

func (jc JobConfiguration) GetString(key string, def string) string {
	if v, ok := jc[key]; ok {
		if val, ok := v.(string); ok {
			return val
		}
	}
	return def
}

// GetStringSlice safely extracts a string slice from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetStringSlice(key string, def []string) []string {
	if v, ok := jc[key]; ok {
		if val, ok := v.([]string); ok {
			return val
		}
	}
	return def
}

// GetBool safely extracts a bool from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetBool(key string, def bool) bool {
	if v, ok := jc[key]; ok {
		if val, ok := v.(bool); ok {
			return val
		}
	}
	return def
}

// SessionConfig is what the session package needs to log in.
type SessionConfig struct {
	Accounts              []string
	DataDir               string
	SkipLoginVerification bool
}

func (jc JobConfiguration) GetSessionConfig() SessionConfig {
	return SessionConfig{
		Accounts:              jc.GetStringSlice("twitter_accounts", []string{}),
		DataDir:               jc.DataDir(),
		SkipLoginVerification: jc.GetBool("twitter_skip_login_verification", false),
	}
}

// ParseLogLevel parses a string and returns the corresponding logrus.Level.
func ParseLogLevel(logLevel string) logrus.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return logrus.DebugLevel
	case "info", "":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		logrus.WithField("level", logLevel).Errorf("Invalid log level, setting to %s", logrus.InfoLevel.String())
		return logrus.InfoLevel
	}
}

// SetLogLevel sets the log level for the application.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
