package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// timings are the duration knobs with their defaults. The backoff pair is
// covered separately because it is validated as a pair.
var timings = []struct {
	key string
	def time.Duration
	get func(*Config) time.Duration
}{
	{"READ_TIMEOUT", 5 * time.Second, func(c *Config) time.Duration { return c.ReadTimeout }},
	{"WRITE_TIMEOUT", 10 * time.Second, func(c *Config) time.Duration { return c.WriteTimeout }},
	{"IDLE_TIMEOUT", 60 * time.Second, func(c *Config) time.Duration { return c.IdleTimeout }},
	{"SHUTDOWN_TIMEOUT", 10 * time.Second, func(c *Config) time.Duration { return c.ShutdownTimeout }},
	{"SETTLE_DELAY", 8 * time.Second, func(c *Config) time.Duration { return c.SettleDelay }},
	{"STAGE_DELAY", 2 * time.Second, func(c *Config) time.Duration { return c.StageDelay }},
	{"QUOTE_TIMEOUT", 2 * time.Second, func(c *Config) time.Duration { return c.QuoteTimeout }},
	{"EXECUTE_TIMEOUT", 10 * time.Second, func(c *Config) time.Duration { return c.ExecuteTimeout }},
	{"WEBHOOK_TIMEOUT", 5 * time.Second, func(c *Config) time.Duration { return c.WebhookTimeout }},
	{"QUEUE_STATS_INTERVAL", 30 * time.Second, func(c *Config) time.Duration { return c.QueueStatsInterval }},
}

// allEnvKeys is every variable Load reads.
var allEnvKeys = func() []string {
	keys := []string{
		"PORT", "LOG_LEVEL", "WORKER_CONCURRENCY", "MAX_ATTEMPTS",
		"BACKOFF_BASE", "BACKOFF_MAX", "STORE_BACKEND", "PEBBLE_DIR",
		"DATABASE_URL", "QUEUE_BACKEND", "QUEUE_NAME", "REDIS_ADDR",
		"REDIS_PASSWORD", "REDIS_DB", "KAFKA_BROKERS", "KAFKA_TOPIC",
		"CORS_ORIGINS", "SIM_FAILURE_RATE", "SIM_LATENCY", "WEBHOOK_URL",
		"WEBHOOK_TERMINAL_ONLY",
	}
	for _, d := range timings {
		keys = append(keys, d.key)
	}
	return keys
}()

func resetEnv() {
	for _, key := range allEnvKeys {
		os.Unsetenv(key)
	}
}

// genMillis draws a duration in whole milliseconds, possibly negative.
func genMillis(t *rapid.T, label string) time.Duration {
	return time.Duration(rapid.IntRange(-2000, 120000).Draw(t, label)) * time.Millisecond
}

func TestProperty_TimingsRejectNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetEnv()
		defer resetEnv()

		set := make(map[string]time.Duration)
		negative := ""
		for _, d := range timings {
			if !rapid.Bool().Draw(t, d.key+"_set") {
				continue
			}
			v := genMillis(t, d.key)
			set[d.key] = v
			os.Setenv(d.key, v.String())
			if v < 0 && negative == "" {
				negative = d.key
			}
		}

		cfg, err := Load()
		if negative != "" {
			if err == nil {
				t.Fatalf("Load() accepted negative %s", negative)
			}
			return
		}
		if err != nil {
			t.Fatalf("Load() rejected %v: %v", set, err)
		}
		for _, d := range timings {
			want, ok := set[d.key]
			if !ok {
				want = d.def
			}
			if got := d.get(cfg); got != want {
				t.Fatalf("%s = %v, want %v", d.key, got, want)
			}
		}
	})
}

func TestProperty_BackoffPair(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetEnv()
		defer resetEnv()

		base := time.Duration(rapid.IntRange(0, 5000).Draw(t, "base")) * time.Millisecond
		ceiling := time.Duration(rapid.IntRange(0, 5000).Draw(t, "ceiling")) * time.Millisecond
		os.Setenv("BACKOFF_BASE", base.String())
		os.Setenv("BACKOFF_MAX", ceiling.String())

		cfg, err := Load()
		if ceiling < base {
			if err == nil || !strings.Contains(err.Error(), "BACKOFF_MAX") {
				t.Fatalf("Load() error = %v for base %v above max %v", err, base, ceiling)
			}
			return
		}
		if err != nil {
			t.Fatalf("Load() rejected base %v max %v: %v", base, ceiling, err)
		}
		if cfg.BackoffBase != base || cfg.BackoffMax != ceiling {
			t.Fatalf("backoff = %v/%v, want %v/%v", cfg.BackoffBase, cfg.BackoffMax, base, ceiling)
		}
	})
}

func TestProperty_WorkerAndAttemptBudgets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetEnv()
		defer resetEnv()

		workers := rapid.IntRange(-3, 64).Draw(t, "workers")
		attempts := rapid.IntRange(-3, 10).Draw(t, "attempts")
		os.Setenv("WORKER_CONCURRENCY", fmt.Sprint(workers))
		os.Setenv("MAX_ATTEMPTS", fmt.Sprint(attempts))

		cfg, err := Load()
		if workers < 1 || attempts < 1 {
			if err == nil {
				t.Fatalf("Load() accepted workers=%d attempts=%d", workers, attempts)
			}
			return
		}
		if err != nil {
			t.Fatalf("Load() rejected workers=%d attempts=%d: %v", workers, attempts, err)
		}
		if cfg.WorkerConcurrency != workers || cfg.MaxAttempts != attempts {
			t.Fatalf("got workers=%d attempts=%d", cfg.WorkerConcurrency, cfg.MaxAttempts)
		}
	})
}

func TestProperty_BackendSelection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetEnv()
		defer resetEnv()

		store := rapid.SampledFrom([]string{"", StoreMemory, StorePebble, StorePostgres, "sqlite", "dynamo"}).Draw(t, "store")
		queue := rapid.SampledFrom([]string{"", QueueMemory, QueueRedis, "sqs", "nats"}).Draw(t, "queue")
		dsn := rapid.SampledFrom([]string{"", "postgres://localhost/orders"}).Draw(t, "dsn")
		os.Setenv("STORE_BACKEND", store)
		os.Setenv("QUEUE_BACKEND", queue)
		os.Setenv("DATABASE_URL", dsn)

		storeOK := store == "" || store == StoreMemory || store == StorePebble || (store == StorePostgres && dsn != "")
		queueOK := queue == "" || queue == QueueMemory || queue == QueueRedis

		cfg, err := Load()
		if !storeOK || !queueOK {
			if err == nil {
				t.Fatalf("Load() accepted store=%q queue=%q dsn=%q", store, queue, dsn)
			}
			return
		}
		if err != nil {
			t.Fatalf("Load() rejected store=%q queue=%q: %v", store, queue, err)
		}
		if store == "" {
			store = StoreMemory
		}
		if queue == "" {
			queue = QueueMemory
		}
		if cfg.StoreBackend != store || cfg.QueueBackend != queue {
			t.Fatalf("backends = %q/%q, want %q/%q", cfg.StoreBackend, cfg.QueueBackend, store, queue)
		}
	})
}

// genListEntry draws a list entry padded with spaces, sometimes blank.
func genListEntry(t *rapid.T, label string) (raw, trimmed string) {
	host := rapid.SampledFrom([]string{"", "k1:9092", "kafka-0.internal:9092", "https://app.example"}).Draw(t, label)
	pad := strings.Repeat(" ", rapid.IntRange(0, 2).Draw(t, label+"_pad"))
	return pad + host + pad, host
}

func TestProperty_ListParsing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetEnv()
		defer resetEnv()

		n := rapid.IntRange(1, 5).Draw(t, "n")
		var raw []string
		var want []string
		for i := 0; i < n; i++ {
			r, host := genListEntry(t, fmt.Sprintf("entry%d", i))
			raw = append(raw, r)
			if host != "" {
				want = append(want, host)
			}
		}
		value := strings.Join(raw, ",")
		os.Setenv("KAFKA_BROKERS", value)
		os.Setenv("CORS_ORIGINS", value)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() rejected list %q: %v", value, err)
		}

		if !reflect.DeepEqual(cfg.KafkaBrokers, want) {
			t.Fatalf("KafkaBrokers = %q, want %q", cfg.KafkaBrokers, want)
		}
		if cfg.KafkaEnabled() != (len(want) > 0) {
			t.Fatalf("KafkaEnabled() = %v for %q", cfg.KafkaEnabled(), value)
		}

		wantOrigins := want
		if len(wantOrigins) == 0 {
			wantOrigins = []string{"*"}
		}
		if !reflect.DeepEqual(cfg.CORSOrigins, wantOrigins) {
			t.Fatalf("CORSOrigins = %q, want %q", cfg.CORSOrigins, wantOrigins)
		}
	})
}

func TestProperty_FailureRateBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		resetEnv()
		defer resetEnv()

		rate := rapid.Float64Range(-2, 2).Draw(t, "rate")
		os.Setenv("SIM_FAILURE_RATE", fmt.Sprintf("%g", rate))

		cfg, err := Load()
		inRange := rate >= 0 && rate <= 1
		if inRange && err != nil {
			t.Fatalf("Load() rejected SIM_FAILURE_RATE=%g: %v", rate, err)
		}
		if !inRange && err == nil {
			t.Fatalf("Load() accepted SIM_FAILURE_RATE=%g", rate)
		}
		if inRange && cfg.SimFailureRate != rate {
			t.Fatalf("SimFailureRate = %g, want %g", cfg.SimFailureRate, rate)
		}
	})
}
