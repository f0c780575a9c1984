package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the environment configuration shared by the server and worker
// processes.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`

	CheckpointBucket string `env:"CHECKPOINT_BUCKET" envDefault:"checkpoints"`
	DataDir          string `env:"DATA_DIR" envDefault:"./data"`

	APIPort string `env:"API_PORT" envDefault:"8001"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return &cfg, nil
}
