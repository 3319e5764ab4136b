package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// DefaultAPIKey is the out-of-the-box key. It is publicly known; deployments
// must override API_KEY before exposing the service.
const DefaultAPIKey = "speech-stream-dev"

type Config struct {
	Port        int
	DataPath    string
	DBPath      string
	CORSOrigins []string

	APIKey string

	EngineURL        string
	Model            string
	ComputeType      string
	BatchSize        int
	Device           int
	Language         string
	HFToken          string
	DiarizeModel     string
	PreloadLanguages []string

	MaxUploadMB      int64
	FetchTimeoutSecs int
	JobWorkers       int

	LogFormat string
	LogLevel  string
}

func Load() *Config {
	port, _ := strconv.Atoi(getEnv("PORT", "8880"))
	dataPath := getEnv("DATA_PATH", "./data")

	apiKey := getEnv("API_KEY", DefaultAPIKey)
	if apiKey == DefaultAPIKey {
		log.Println("WARNING: API_KEY not set, using the publicly known default key. Set API_KEY before exposing this service.")
	}

	// CORS origins: comma-separated list or "*" (default)
	corsOrigins := []string{"*"}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		corsOrigins = splitList(v)
	}

	batchSize, _ := strconv.Atoi(getEnv("BATCH_SIZE", "16"))
	device, _ := strconv.Atoi(getEnv("DEVICE", "0"))
	maxUploadMB, _ := strconv.ParseInt(getEnv("MAX_UPLOAD_MB", "2048"), 10, 64)
	fetchTimeout, _ := strconv.Atoi(getEnv("FETCH_TIMEOUT_SECS", "300"))
	workers, _ := strconv.Atoi(getEnv("JOB_WORKERS", "2"))
	if workers < 1 {
		workers = 1
	}

	return &Config{
		Port:             port,
		DataPath:         dataPath,
		DBPath:           getEnv("DB_PATH", dataPath+"/transcripts.db"),
		CORSOrigins:      corsOrigins,
		APIKey:           apiKey,
		EngineURL:        getEnv("ENGINE_URL", "http://127.0.0.1:9090"),
		Model:            getEnv("MODEL", "large-v3-turbo"),
		ComputeType:      getEnv("COMPUTE_TYPE", "float16"),
		BatchSize:        batchSize,
		Device:           device,
		Language:         os.Getenv("LANGUAGE"),
		HFToken:          os.Getenv("HF_TOKEN"),
		DiarizeModel:     getEnv("DIARIZE_MODEL", "pyannote/speaker-diarization-3.1"),
		PreloadLanguages: splitList(os.Getenv("PRELOAD_LANGUAGES")),
		MaxUploadMB:      maxUploadMB,
		FetchTimeoutSecs: fetchTimeout,
		JobWorkers:       workers,
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

// MaxUploadBytes is the admission-time cap on uploaded audio payloads.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * 1024 * 1024
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
