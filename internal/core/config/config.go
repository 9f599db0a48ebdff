// Package config reads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled       bool
	Driver        string
	Topic         string
	Brokers       string
	GroupID       string
	InitialOldest bool
	TLS           TLSCfg
	SASL          SASLCfg
}

type TLSCfg struct {
	Enable     bool
	CAFile     string
	CertFile   string
	KeyFile    string
	SkipVerify bool
}

type SASLCfg struct {
	Enable    bool
	Mechanism string
	Username  string
	Password  string
}

// PlatformCfg locates the catalog's APIs. LayerVersion -1 resolves the latest version
// on every index fetch.
type PlatformCfg struct {
	CatalogHRN      string
	QueryBaseURL    string
	MetadataBaseURL string
	BlobBaseURL     string
	Token           string
	BillingTag      string
	LayerVersion    int64
	HTTPTimeout     time.Duration
}

type IndexCacheCfg struct {
	Enabled     bool
	Size        int
	TTL         time.Duration
	TTLOverride map[string]time.Duration
	RedisAddr   string
	OpTimeout   time.Duration
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	LogSampleN     int
	IndexDepth     int
	MaxLevel       int
	MaxLayers      int
	MetricsEnabled bool
	Platform       PlatformCfg
	IndexCache     IndexCacheCfg
	Invalidation   InvalidationCfg
}

func FromEnv() Config {
	depth := getint("INDEX_DEPTH", 4)
	if depth < 1 {
		depth = 4
	}
	maxLevel := getint("MAX_LEVEL", 31)
	if maxLevel < 0 || maxLevel > 31 {
		maxLevel = 31
	}

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		LogSampleN:     getint("LOG_SAMPLE_N", 0),
		IndexDepth:     depth,
		MaxLevel:       maxLevel,
		MaxLayers:      getint("MAX_LAYERS", 1024),
		MetricsEnabled: getbool("METRICS_ENABLED", true),
		Platform: PlatformCfg{
			CatalogHRN:      getenv("CATALOG_HRN", ""),
			QueryBaseURL:    strings.TrimRight(getenv("QUERY_BASE_URL", "http://localhost:8081/query/v1"), "/"),
			MetadataBaseURL: strings.TrimRight(getenv("METADATA_BASE_URL", "http://localhost:8081/metadata/v1"), "/"),
			BlobBaseURL:     strings.TrimRight(getenv("BLOB_BASE_URL", "http://localhost:8081/blobstore/v1"), "/"),
			Token:           getenv("PLATFORM_TOKEN", ""),
			BillingTag:      getenv("BILLING_TAG", ""),
			LayerVersion:    getint64("LAYER_VERSION", -1),
			HTTPTimeout:     getduration("HTTP_TIMEOUT", 30*time.Second),
		},
		IndexCache: IndexCacheCfg{
			Enabled:     getbool("INDEX_CACHE_ENABLED", true),
			Size:        getint("INDEX_CACHE_SIZE", 4096),
			TTL:         getduration("INDEX_CACHE_TTL", 5*time.Minute),
			TTLOverride: parseDurationMap(getenv("INDEX_CACHE_TTL_OVERRIDES", "")),
			RedisAddr:   getenv("REDIS_ADDR", ""),
			OpTimeout:   getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "index-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "index-invalidator"),

			InitialOldest: getbool("KAFKA_INITIAL_OLDEST", false),
			TLS: TLSCfg{
				Enable:     getbool("KAFKA_TLS_ENABLE", false),
				CAFile:     getenv("KAFKA_TLS_CA_FILE", ""),
				CertFile:   getenv("KAFKA_TLS_CERT_FILE", ""),
				KeyFile:    getenv("KAFKA_TLS_KEY_FILE", ""),
				SkipVerify: getbool("KAFKA_TLS_SKIP_VERIFY", false),
			},
			SASL: SASLCfg{
				Enable:    getbool("KAFKA_SASL_ENABLE", false),
				Mechanism: getenv("KAFKA_SASL_MECHANISM", "PLAIN"),
				Username:  getenv("KAFKA_SASL_USERNAME", ""),
				Password:  getenv("KAFKA_SASL_PASSWORD", ""),
			},
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "layer=5m,other=30s" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	parts := strings.SplitSeq(s, ",")
	for p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
