package notify

import (
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// Config selects and configures the backend. Type: redis|kafka|noop (default).
type Config struct {
	Type         string   `mapstructure:"type"`
	RedisURL     string   `mapstructure:"redis_url"`
	Stream       string   `mapstructure:"stream"`
	MaxLen       int64    `mapstructure:"max_len"`
	MaxLenApprox bool     `mapstructure:"max_len_approx"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// New builds a Queue from cfg. Misconfiguration falls back to noop with a
// warning; notifications never block the request flow.
func New(cfg Config, log *slog.Logger) Queue {
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Type {
	case "redis":
		url := cfg.RedisURL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		opt, err := redis.ParseURL(url)
		if err != nil {
			log.Warn("notify: redis parse url; using noop", "error", err)
			return NewNoop()
		}
		log.Info("notify: redis stream publisher enabled", "stream", cfg.Stream)
		return NewRedis(redis.NewClient(opt), cfg.Stream, cfg.MaxLen, cfg.MaxLenApprox)
	case "kafka":
		brokers := cfg.KafkaBrokers
		if len(brokers) == 0 {
			brokers = []string{"localhost:9092"}
		}
		log.Info("notify: kafka publisher enabled", "brokers", brokers, "topic", cfg.KafkaTopic)
		return NewKafka(brokers, cfg.KafkaTopic)
	case "", "noop":
		return NewNoop()
	default:
		log.Warn("notify: unsupported type; using noop", "type", cfg.Type)
		return NewNoop()
	}
}
