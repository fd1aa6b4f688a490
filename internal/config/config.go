package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	StorageMemory = "memory"
	StorageMinio  = "minio"
	StorageS3     = "s3"
)

const defaultProfileCacheSize = 1024

type StorageConfig struct {
	Driver    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	PublicURL string
}

func (sc StorageConfig) validate() error {
	switch sc.Driver {
	case "", StorageMemory:
		return nil
	case StorageMinio:
		if sc.Endpoint == "" || sc.AccessKey == "" || sc.SecretKey == "" || sc.Bucket == "" {
			return errors.New("minio storage requires endpoint, access key, secret key and bucket")
		}
	case StorageS3:
		if sc.Bucket == "" || sc.Region == "" {
			return errors.New("s3 storage requires bucket and region")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
	return nil
}

type Config struct {
	ServerAddr string
	// DatabaseDSN selects the Postgres store; empty runs on the in-memory
	// store.
	DatabaseDSN      string
	SigningKey       []byte
	AllowedOrigins   []string
	TriggerToken     string
	TagsFile         string
	ProfileCacheSize int
	Storage          StorageConfig
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:       serverAddr,
		DatabaseDSN:      databaseDSN,
		SigningKey:       signingKey,
		AllowedOrigins:   allowedOrigins,
		ProfileCacheSize: defaultProfileCacheSize,
		Storage:          StorageConfig{Driver: StorageMemory},
	}, nil
}

// SetStorage enables an object store backend once its settings are
// complete.
func (c *Config) SetStorage(sc StorageConfig) error {
	if err := sc.validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if sc.Driver == "" {
		sc.Driver = StorageMemory
	}
	c.Storage = sc
	return nil
}

// SplitList parses a comma separated flag value, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
