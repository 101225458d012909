package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the GymVision services.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Blob        BlobConfig
	Models      ModelsConfig
	Worker      WorkerConfig
	KNN         KNNConfig
	Safety      SafetyConfig
	Recognition RecognitionConfig
	Events      EventsConfig
	API         APIConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// BlobConfig selects and configures the object store backend.
type BlobConfig struct {
	Backend   string // "s3" or "minio"
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// ModelSource describes where a model file lives and how to fetch it.
type ModelSource struct {
	Path      string
	URL       string
	Bucket    string
	ObjectKey string
	SHA256    string
}

// EmbeddingColumnDim is the width of the embedding columns created by the
// migrations. Changing it needs a new migration.
const EmbeddingColumnDim = 512

type ModelsConfig struct {
	RuntimeLibrary  string
	Embedding       ModelSource
	NSFW            ModelSource
	Detector        ModelSource
	Vendor          string
	Name            string
	Version         string
	Dimension       int
	Mean            [3]float32
	Std             [3]float32
	DownloadTimeout time.Duration
}

type WorkerConfig struct {
	Mode            string // "off", "loop" or "burst"
	BatchSize       int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	JobLeaseTTL     time.Duration
	StaleJobTimeout time.Duration
	LeaseBackend    string // "postgres" or "redis"
	LeaseName       string
	LeaseTTL        time.Duration
	IdleExit        time.Duration
	MaxRuntime      time.Duration
	PollInterval    time.Duration
	KicksPerSecond  float64
}

type KNNConfig struct {
	AutoMinGlobalScore float64
	DefaultLimit       int
	CacheTTL           time.Duration
}

type SafetyConfig struct {
	BlockThreshold float64
	ConfigFile     string
}

type RecognitionConfig struct {
	GlobalAccept float64
	GymAccept    float64
	SelectFloor  float64
	Candidates   int
}

type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

type APIConfig struct {
	TokenHashes       []string
	RequestsPerMinute int
}

var (
	validBlobBackends  = map[string]bool{"s3": true, "minio": true}
	validWorkerModes   = map[string]bool{"off": true, "loop": true, "burst": true}
	validLeaseBackends = map[string]bool{"postgres": true, "redis": true}
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GYMVISION_PORT", 8080),
			Env:  envString("GYMVISION_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Blob: BlobConfig{
			Backend:   envString("BLOB_BACKEND", "s3"),
			Bucket:    os.Getenv("BLOB_BUCKET"),
			Region:    envString("BLOB_REGION", "us-east-1"),
			Endpoint:  os.Getenv("BLOB_ENDPOINT"),
			AccessKey: os.Getenv("BLOB_ACCESS_KEY"),
			SecretKey: os.Getenv("BLOB_SECRET_KEY"),
			UseSSL:    envBool("BLOB_USE_SSL", true),
			PathStyle: envBool("BLOB_PATH_STYLE", false),
		},
		Models: ModelsConfig{
			RuntimeLibrary:  os.Getenv("ONNXRUNTIME_LIB"),
			Embedding:       modelSource("EMBED_MODEL", "models/embedding.onnx"),
			NSFW:            modelSource("NSFW_MODEL", "models/nsfw.onnx"),
			Detector:        modelSource("DETECTOR_MODEL", "models/detector.onnx"),
			Vendor:          envString("EMBED_MODEL_VENDOR", "openclip"),
			Name:            envString("EMBED_MODEL_NAME", "vit-b-32"),
			Version:         envString("EMBED_MODEL_VERSION", "1"),
			Dimension:       envInt("EMBED_DIM", EmbeddingColumnDim),
			Mean:            envTriple("EMBED_MEAN", [3]float32{0.48145466, 0.4578275, 0.40821073}),
			Std:             envTriple("EMBED_STD", [3]float32{0.26862954, 0.26130258, 0.27577711}),
			DownloadTimeout: envDuration("MODEL_DOWNLOAD_TIMEOUT", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Mode:            envString("WORKER_MODE", "off"),
			BatchSize:       envInt("WORKER_BATCH_SIZE", 10),
			MaxAttempts:     envInt("WORKER_MAX_ATTEMPTS", 5),
			BackoffBase:     envDuration("WORKER_BACKOFF_BASE", 5*time.Second),
			BackoffMax:      envDuration("WORKER_BACKOFF_MAX", 10*time.Minute),
			JobLeaseTTL:     envDuration("WORKER_JOB_LEASE_TTL", 5*time.Minute),
			StaleJobTimeout: envDuration("WORKER_STALE_JOB_TIMEOUT", 15*time.Minute),
			LeaseBackend:    envString("LEASE_BACKEND", "postgres"),
			LeaseName:       envString("WORKER_LEASE_NAME", "image-pipeline"),
			LeaseTTL:        envDuration("WORKER_LEASE_TTL", 60*time.Second),
			IdleExit:        envDuration("WORKER_IDLE_EXIT", 5*time.Second),
			MaxRuntime:      envDuration("WORKER_MAX_RUNTIME", 4*time.Minute),
			PollInterval:    envDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			KicksPerSecond:  envFloat("WORKER_KICKS_PER_SECOND", 1),
		},
		KNN: KNNConfig{
			AutoMinGlobalScore: envFloat("KNN_AUTO_MIN_GLOBAL_SCORE", 0.80),
			DefaultLimit:       envInt("KNN_DEFAULT_LIMIT", 10),
			CacheTTL:           envDuration("KNN_CACHE_TTL", time.Minute),
		},
		Safety: SafetyConfig{
			BlockThreshold: envFloat("SAFETY_BLOCK_THRESHOLD", 0.85),
			ConfigFile:     os.Getenv("SAFETY_CONFIG_FILE"),
		},
		Recognition: RecognitionConfig{
			GlobalAccept: envFloat("RECOGNITION_GLOBAL_ACCEPT", 0.85),
			GymAccept:    envFloat("RECOGNITION_GYM_ACCEPT", 0.80),
			SelectFloor:  envFloat("RECOGNITION_SELECT_FLOOR", 0.55),
			Candidates:   envInt("RECOGNITION_CANDIDATES", 5),
		},
		Events: EventsConfig{
			NATSURL:       os.Getenv("NATS_URL"),
			SubjectPrefix: envString("NATS_SUBJECT_PREFIX", "gymvision"),
		},
		API: APIConfig{
			TokenHashes:       envList("API_TOKEN_HASHES"),
			RequestsPerMinute: envInt("API_REQUESTS_PER_MINUTE", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBlobBackends[c.Blob.Backend] {
		return fmt.Errorf("BLOB_BACKEND must be one of s3, minio; got %q", c.Blob.Backend)
	}
	if c.Blob.Bucket == "" {
		return fmt.Errorf("BLOB_BUCKET is required")
	}
	if c.Blob.Backend == "minio" && c.Blob.Endpoint == "" {
		return fmt.Errorf("BLOB_ENDPOINT is required when BLOB_BACKEND is minio")
	}
	if c.Blob.Endpoint != "" && c.Blob.Backend == "s3" &&
		!strings.HasPrefix(c.Blob.Endpoint, "http://") && !strings.HasPrefix(c.Blob.Endpoint, "https://") {
		return fmt.Errorf("BLOB_ENDPOINT must start with http:// or https:// for s3, got %q", c.Blob.Endpoint)
	}

	if c.Models.Dimension != EmbeddingColumnDim {
		return fmt.Errorf("EMBED_DIM must be %d to match the vector(%d) columns, got %d",
			EmbeddingColumnDim, EmbeddingColumnDim, c.Models.Dimension)
	}
	for i, s := range c.Models.Std {
		if s <= 0 {
			return fmt.Errorf("EMBED_STD[%d] must be positive, got %v", i, s)
		}
	}
	for name, src := range map[string]ModelSource{
		"EMBED_MODEL": c.Models.Embedding, "NSFW_MODEL": c.Models.NSFW, "DETECTOR_MODEL": c.Models.Detector,
	} {
		if src.URL != "" && src.ObjectKey != "" {
			return fmt.Errorf("%s_URL and %s_OBJECT_KEY are mutually exclusive", name, name)
		}
		if src.URL != "" && !strings.HasPrefix(src.URL, "http://") && !strings.HasPrefix(src.URL, "https://") {
			return fmt.Errorf("%s_URL must start with http:// or https://, got %q", name, src.URL)
		}
		if src.SHA256 != "" && len(src.SHA256) != 64 {
			return fmt.Errorf("%s_SHA256 must be 64 hex characters", name)
		}
	}

	if !validWorkerModes[c.Worker.Mode] {
		return fmt.Errorf("WORKER_MODE must be one of off, loop, burst; got %q", c.Worker.Mode)
	}
	if !validLeaseBackends[c.Worker.LeaseBackend] {
		return fmt.Errorf("LEASE_BACKEND must be one of postgres, redis; got %q", c.Worker.LeaseBackend)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("WORKER_BACKOFF_MAX must be >= WORKER_BACKOFF_BASE")
	}

	for name, v := range map[string]float64{
		"KNN_AUTO_MIN_GLOBAL_SCORE": c.KNN.AutoMinGlobalScore,
		"SAFETY_BLOCK_THRESHOLD":    c.Safety.BlockThreshold,
		"RECOGNITION_GLOBAL_ACCEPT": c.Recognition.GlobalAccept,
		"RECOGNITION_GYM_ACCEPT":    c.Recognition.GymAccept,
		"RECOGNITION_SELECT_FLOOR":  c.Recognition.SelectFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}

	if c.Events.NATSURL != "" && !strings.HasPrefix(c.Events.NATSURL, "nats://") && !strings.HasPrefix(c.Events.NATSURL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.Events.NATSURL)
	}

	return nil
}

func modelSource(prefix, defaultPath string) ModelSource {
	return ModelSource{
		Path:      envString(prefix+"_PATH", defaultPath),
		URL:       os.Getenv(prefix + "_URL"),
		Bucket:    os.Getenv(prefix + "_BUCKET"),
		ObjectKey: os.Getenv(prefix + "_OBJECT_KEY"),
		SHA256:    strings.ToLower(os.Getenv(prefix + "_SHA256")),
	}
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envTriple parses "a,b,c" into three float32 values.
func envTriple(key string, defaultVal [3]float32) [3]float32 {
	parts := envList(key)
	if len(parts) != 3 {
		return defaultVal
	}
	var out [3]float32
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return defaultVal
		}
		out[i] = float32(f)
	}
	return out
}
