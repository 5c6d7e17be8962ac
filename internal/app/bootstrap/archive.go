package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tmhealth/companion-platform/internal/archive"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

// BuildArchiver wires the cold-storage transcript archiver. Returns nil when
// no bucket is configured, so callers guard with a single nil check.
func BuildArchiver(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*archive.Archiver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	bucket := strings.TrimSpace(cfg.ArchiveBucket)
	if bucket == "" {
		logger.Info("transcript archiving disabled; no bucket configured")
		return nil, nil
	}

	store := archive.NewStore(s3.NewFromConfig(awsCfg), bucket, logger.Logger)
	archiver := archive.NewArchiver(store, logger.Logger)
	logger.Info("transcript archiving enabled", "bucket", bucket)
	return archiver, nil
}
