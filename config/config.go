package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// rendezvous
	RendezvousAddr   string
	AdvertiseAddr    string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// admission
	QueueSize     int
	MaxCodeLength int

	// worker containers
	WorkerImage    string
	WorkerMemoryMB int64
	WorkerNanoCPUs int64

	NatsURL              string
	NatsSubject          string
	NatsLanguagesSubject string
	MetricsAddr          string

	Environment string

	BetterStackUploadURL   string
	BetterStackSourceToken string
}

// WorkerConfig is read by the in-container worker binary.
type WorkerConfig struct {
	Addr       string
	Token      string
	Timeout    time.Duration
	ScratchDir string
}

func LoadConfig() Config {
	loadDotEnv()

	return Config{
		RendezvousAddr:   getEnv("RENDEZVOUSADDR", ":6090"),
		AdvertiseAddr:    getEnv("ADVERTISEADDR", "host.docker.internal:6090"),
		ConnectTimeout:   getEnvDuration("CONNECTTIMEOUT", 5*time.Second),
		HandshakeTimeout: getEnvDuration("HANDSHAKETIMEOUT", 2*time.Second),

		QueueSize:     getEnvInt("QUEUESIZE", 10),
		MaxCodeLength: getEnvInt("MAXCODELENGTH", 64*1024),

		WorkerImage:    getEnv("WORKERIMAGE", "ignition"),
		WorkerMemoryMB: int64(getEnvInt("WORKERMEMORYMB", 256)),
		WorkerNanoCPUs: int64(getEnvInt("WORKERNANOCPUS", 1000000000)),

		NatsURL:              getEnv("NATSURL", "nats://localhost:4222"),
		NatsSubject:          getEnv("NATSSUBJECT", "ignition.process.request"),
		NatsLanguagesSubject: getEnv("NATSLANGUAGESSUBJECT", "ignition.languages.request"),
		MetricsAddr:          getEnv("METRICSADDR", ":9090"),

		Environment: getEnv("ENVIRONMENT", "production"),

		BetterStackUploadURL:   getEnv("BETTERSTACKUPLOADURL", ""),
		BetterStackSourceToken: getEnv("BETTERSTACKSOURCETOKEN", ""),
	}
}

func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Addr:       getEnv("IGNITION_ADDR", "host.docker.internal:6090"),
		Token:      getEnv("IGNITION_TOKEN", ""),
		Timeout:    getEnvDuration("IGNITION_TIMEOUT", 30*time.Second),
		ScratchDir: getEnv("IGNITION_SCRATCH", os.TempDir()),
	}
}

func loadDotEnv() {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("5s") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
