package cmd

import (
	"flag"
	"log"
	"log/slog"
	"math/rand"

	"tune-backend/internal/config"
	"tune-backend/internal/storage"
	"tune-backend/internal/training"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// LoadDatasets prepares the train/validation/test splits every process
// trains against. The on-disk dataset is generated once and reused, so all
// workers see identical data.
func LoadDatasets(dataDir string) (train, val, test *training.Dataset) {
	trainFull, test, err := training.LoadSplits(dataDir)
	if err != nil {
		log.Fatalf("failed to load datasets: %v", err)
	}

	// The split rng is fixed so restarted workers reproduce the same
	// validation set.
	splits, err := training.RandomSplit(trainFull, []float64{0.8, 0.2}, rand.New(rand.NewSource(1)))
	if err != nil {
		log.Fatalf("failed to split training data: %v", err)
	}

	slog.Info("datasets loaded", "train", splits[0].Len(), "val", splits[1].Len(), "test", test.Len())
	return splits[0], splits[1], test
}

// CreateObjectStore picks S3 when an endpoint or credentials are configured,
// local disk storage otherwise.
func CreateObjectStore(cfg *config.Config, localDir string) storage.ObjectStore {
	if cfg.S3EndpointURL != "" || cfg.S3AccessKeyID != "" {
		store, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			log.Fatalf("failed to create s3 object store: %v", err)
		}
		return store
	}

	store, err := storage.NewLocalObjectStore(localDir)
	if err != nil {
		log.Fatalf("failed to create local object store: %v", err)
	}
	return store
}
