// Package archive persists delivered batches to S3-compatible storage as
// hive-partitioned parquet files. Archiving is best-effort: delivery is
// never blocked or failed on behalf of the archive.
package archive

// Config holds archive configuration.
type Config struct {
	// Enabled turns the archive pipeline on
	Enabled bool `env:"ENABLED" envDefault:"false"`

	// QueueSize is how many delivered batches may wait for the worker
	QueueSize int `env:"QUEUE_SIZE" envDefault:"64"`

	// S3 configuration
	S3 S3Config `envPrefix:"S3_"`

	// Parquet configuration
	Parquet ParquetConfig `envPrefix:"PARQUET_"`
}

// S3Config holds S3/MinIO configuration.
type S3Config struct {
	// Endpoint is the S3 endpoint URL (e.g., "http://localhost:9000" for MinIO)
	Endpoint string `env:"ENDPOINT" envDefault:"http://localhost:9000"`

	// Region is the AWS region
	Region string `env:"REGION" envDefault:"us-east-1"`

	// Bucket is the S3 bucket name
	Bucket string `env:"BUCKET" envDefault:"beacon-batches"`

	// AccessKeyID is the AWS access key ID
	AccessKeyID string `env:"ACCESS_KEY_ID" envDefault:"minioadmin"`

	// SecretAccessKey is the AWS secret access key
	SecretAccessKey string `env:"SECRET_ACCESS_KEY" envDefault:"minioadmin"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `env:"USE_PATH_STYLE" envDefault:"true"`

	// Prefix is the key prefix for all objects
	Prefix string `env:"PREFIX" envDefault:"batches"`
}

// ParquetConfig holds parquet writer configuration.
type ParquetConfig struct {
	// Compression is the compression codec (snappy, gzip, zstd, none)
	Compression string `env:"COMPRESSION" envDefault:"snappy"`
}
