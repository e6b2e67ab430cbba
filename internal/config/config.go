package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          int
	NatsURL       string
	NatsToken     string
	DatabaseURL   string
	LogLevel      string
	HubURL        string
	TrainerURL    string
	APIToken      string
	SlackBotToken string
	SlackChannel  string

	BaseModel             string
	PrimaryDataset        string
	ConversationalDataset string
	Split                 string
	OutputDir             string
	MaxSeqLength          int
	TokenEncoding         string
	PollSeconds           int
	Autorun               bool
}

func Load() Config {
	return Config{
		Port:          envInt("TUTOR_PORT", 8760),
		NatsURL:       envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:     envStr("NATS_TOKEN", ""),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		HubURL:        envStr("HUB_URL", "https://datasets-server.huggingface.co"),
		TrainerURL:    envStr("TRAINER_URL", "http://forge:8770"),
		APIToken:      envStr("TUTOR_API_TOKEN", ""),
		SlackBotToken: envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:  envStr("SLACK_RUNS_CHANNEL", ""),

		BaseModel:             envStr("TUTOR_BASE_MODEL", "mosaicml/mpt-7b"),
		PrimaryDataset:        envStr("TUTOR_PRIMARY_DATASET", "mosaicml/dolly_hhrlhf"),
		ConversationalDataset: envStr("TUTOR_CONVERSATIONAL_DATASET", "timdettmers/openassistant-guanaco"),
		Split:                 envStr("TUTOR_SPLIT", "train"),
		OutputDir:             envStr("TUTOR_OUTPUT_DIR", "./results"),
		MaxSeqLength:          envInt("TUTOR_MAX_SEQ_LENGTH", 2048),
		TokenEncoding:         envStr("TUTOR_TOKEN_ENCODING", "cl100k_base"),
		PollSeconds:           envInt("TUTOR_POLL_SECONDS", 30),
		Autorun:               envBool("TUTOR_AUTORUN", false),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
