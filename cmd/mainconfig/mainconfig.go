// Package mainconfig centralizes the infrastructure clients shared by the
// api and worker binaries: AWS SDK setup, Redis, and the queue set.
package mainconfig

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/sokoflow/backend/internal/config"
	"github.com/sokoflow/backend/internal/queue"
	"github.com/sokoflow/backend/pkg/logging"
)

// LoadAWSConfig initializes the AWS SDK so both binaries share the same
// LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID:
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}

// OpenRedis builds the Redis client from configuration.
func OpenRedis(cfg *appconfig.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// BuildQueues returns one client per logical queue. With USE_MEMORY_QUEUE
// set the whole set runs in-process, which is how local development and
// tests avoid LocalStack.
func BuildQueues(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (queue.Set, error) {
	if cfg.UseMemoryQueue {
		logger.Info("using in-memory queues")
		return queue.NewMemorySet(64), nil
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := sqs.NewFromConfig(awsCfg)

	base := strings.TrimRight(cfg.QueueBaseURL, "/")
	set := make(queue.Set, len(queue.Names()))
	for _, name := range queue.Names() {
		set[name] = queue.NewSQSQueue(client, base+"/sokoflow-"+string(name))
	}
	return set, nil
}
