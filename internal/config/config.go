package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Address is a postal address used for the letter sender and recipient.
type Address struct {
	Name  string `json:"name" yaml:"name"`
	Line1 string `json:"line1" yaml:"line1"`
	Line2 string `json:"line2" yaml:"line2"`
	City  string `json:"city" yaml:"city"`
	State string `json:"state" yaml:"state"`
	Zip   string `json:"zip" yaml:"zip"`
}

// Config holds all environment-driven settings.
type Config struct {
	HTTPPort        string
	DBPath          string
	UploadsDir      string
	EnableWatcher   bool
	Environment     string
	WorkerCount     int
	QueueSize       int
	StrictConfig    bool
	MailingDisabled bool

	ContestWindowDays    int
	SafetyNetHours       int
	SchedulerIntervalSec int
	PollLimit            int

	LobAPIKey     string
	LobBaseURL    string
	ReturnAddress Address
	ContestTo     Address

	NotifyWebhookURL string
	NotifyChunkSize  int

	ArchiveBucket  string
	AWSRegion      string
	AWSEndpointURL string

	TemplatesPath   string
	ExhibitMaxWidth int
}

type fileConfig struct {
	HTTPPort             string   `json:"http_port" yaml:"http_port"`
	DBPath               string   `json:"db_path" yaml:"db_path"`
	UploadsDir           string   `json:"uploads_dir" yaml:"uploads_dir"`
	ContestWindowDays    *int     `json:"contest_window_days" yaml:"contest_window_days"`
	SafetyNetHours       *int     `json:"safety_net_hours" yaml:"safety_net_hours"`
	SchedulerIntervalSec *int     `json:"scheduler_interval_sec" yaml:"scheduler_interval_sec"`
	LobBaseURL           string   `json:"lob_base_url" yaml:"lob_base_url"`
	ReturnAddress        *Address `json:"return_address" yaml:"return_address"`
	ContestTo            *Address `json:"contest_to" yaml:"contest_to"`
	NotifyWebhookURL     string   `json:"notify_webhook_url" yaml:"notify_webhook_url"`
	ArchiveBucket        string   `json:"archive_bucket" yaml:"archive_bucket"`
	TemplatesPath        string   `json:"templates_path" yaml:"templates_path"`
}

const (
	defaultPort              = ":8080"
	defaultDBPath            = "runtime/autopilot.db"
	defaultUploadsDir        = "runtime/uploads"
	defaultWorkerCount       = 4
	minQueueSize             = 1
	defaultQueueSize         = 100
	maxQueueSize             = 1024
	defaultContestWindowDays = 21
	defaultSafetyNetHours    = 48
	defaultSchedulerInterval = 900
	defaultPollLimit         = 200
	defaultNotifyChunkSize   = 10
	defaultExhibitMaxWidth   = 1200
)

// DefaultContestTo is where Chicago parking contests are mailed.
var DefaultContestTo = Address{
	Name:  "City of Chicago, Department of Finance",
	Line1: "PO Box 88292",
	City:  "Chicago",
	State: "IL",
	Zip:   "60680-1292",
}

// Load reads configuration from environment, an optional .env file and
// an optional YAML/JSON config file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		EnableWatcher:   getenvBool("ENABLE_WATCHER", true),
		Environment:     getenv("ENVIRONMENT", "local"),
		StrictConfig:    getenvBool("STRICT_CONFIG", false),
		MailingDisabled: getenvBool("MAILING_DISABLED", false),
		LobAPIKey:       os.Getenv("LOB_API_KEY"),
		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
		AWSEndpointURL:  os.Getenv("AWS_ENDPOINT_URL"),
		PollLimit:       clampInt(getenvInt("DELIVERY_POLL_LIMIT", defaultPollLimit), 1, 1000),
		NotifyChunkSize: clampInt(getenvInt("NOTIFY_CHUNK_SIZE", defaultNotifyChunkSize), 1, 100),
		ExhibitMaxWidth: clampInt(getenvInt("EXHIBIT_MAX_WIDTH", defaultExhibitMaxWidth), 200, 4000),
	}

	configPath := getenv("CONFIG_PATH", filepath.Join("config", "autopilot.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		if !errors.Is(fileErr, os.ErrNotExist) {
			log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
		}
	}

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, defaultDBPath)
	cfg.UploadsDir = firstNonEmpty(os.Getenv("UPLOADS_DIR"), fileCfg.UploadsDir, defaultUploadsDir)
	cfg.LobBaseURL = strings.TrimRight(firstNonEmpty(os.Getenv("LOB_BASE_URL"), fileCfg.LobBaseURL, "https://api.lob.com/v1"), "/")
	cfg.NotifyWebhookURL = firstNonEmpty(os.Getenv("NOTIFY_WEBHOOK_URL"), fileCfg.NotifyWebhookURL)
	cfg.ArchiveBucket = firstNonEmpty(os.Getenv("ARCHIVE_BUCKET"), fileCfg.ArchiveBucket)
	cfg.TemplatesPath = firstNonEmpty(os.Getenv("TEMPLATES_PATH"), fileCfg.TemplatesPath)

	cfg.ContestWindowDays = intSetting("CONTEST_WINDOW_DAYS", fileCfg.ContestWindowDays, defaultContestWindowDays)
	cfg.SafetyNetHours = intSetting("SAFETY_NET_HOURS", fileCfg.SafetyNetHours, defaultSafetyNetHours)
	cfg.SchedulerIntervalSec = getenvInt("SCHEDULER_INTERVAL_SEC", defaultSchedulerInterval)
	if os.Getenv("SCHEDULER_INTERVAL_SEC") == "" && fileCfg.SchedulerIntervalSec != nil {
		cfg.SchedulerIntervalSec = *fileCfg.SchedulerIntervalSec
	}
	if cfg.SchedulerIntervalSec < 0 {
		cfg.SchedulerIntervalSec = 0
	}

	cfg.WorkerCount = getenvInt("WORKER_COUNT", defaultWorkerCount)
	if cfg.WorkerCount < 0 {
		log.Printf("WORKER_COUNT must not be negative, using default %d", defaultWorkerCount)
		cfg.WorkerCount = defaultWorkerCount
	}
	cfg.QueueSize = clampInt(getenvInt("JOB_QUEUE_SIZE", defaultQueueSize), minQueueSize, maxQueueSize)
	if cfg.QueueSize < cfg.WorkerCount {
		log.Printf("JOB_QUEUE_SIZE must be >= WORKER_COUNT; raising to %d", cfg.WorkerCount)
		cfg.QueueSize = cfg.WorkerCount
	}

	cfg.ReturnAddress = Address{
		Name:  getenv("RETURN_NAME", "Autopilot America"),
		Line1: os.Getenv("RETURN_ADDRESS_LINE1"),
		Line2: os.Getenv("RETURN_ADDRESS_LINE2"),
		City:  getenv("RETURN_CITY", "Chicago"),
		State: getenv("RETURN_STATE", "IL"),
		Zip:   os.Getenv("RETURN_ZIP"),
	}
	if fileCfg.ReturnAddress != nil && os.Getenv("RETURN_ADDRESS_LINE1") == "" {
		cfg.ReturnAddress = *fileCfg.ReturnAddress
	}
	cfg.ContestTo = DefaultContestTo
	if fileCfg.ContestTo != nil {
		cfg.ContestTo = *fileCfg.ContestTo
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Printf("config validation failed: %v (continuing)", err)
	}

	log.Printf("config: db=%s uploads=%s env=%s mailing_disabled=%t", cfg.DBPath, cfg.UploadsDir, cfg.Environment, cfg.MailingDisabled)
	return cfg, nil
}

// SafetyNetLead is the lead time before a contest deadline at which
// unapproved letters are sent anyway.
func (c Config) SafetyNetLead() time.Duration {
	return time.Duration(c.SafetyNetHours) * time.Hour
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	return cfg, err
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH is required")
	}
	if cfg.ContestWindowDays <= 0 {
		return errors.New("contest window days must be positive")
	}
	if cfg.SafetyNetHours <= 0 {
		return errors.New("safety net hours must be positive")
	}
	if cfg.LobAPIKey != "" && strings.TrimSpace(cfg.ReturnAddress.Line1) == "" {
		return errors.New("RETURN_ADDRESS_LINE1 is required when LOB_API_KEY is set")
	}
	return nil
}

func intSetting(key string, fileVal *int, def int) int {
	if v, ok, err := parseIntEnv(key); err != nil {
		log.Printf("invalid %s: %v (using default)", key, err)
	} else if ok && v > 0 {
		return v
	}
	if fileVal != nil && *fileVal > 0 {
		return *fileVal
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, ok, err := parseIntEnv(key)
	if err != nil || !ok {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
