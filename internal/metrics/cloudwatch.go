package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bondwatch/logger"
)

type cloudWatchState struct {
	client    *cloudwatch.Client
	namespace string
}

var cwState atomic.Pointer[cloudWatchState]

// InitCloudWatch initialises the CloudWatch client for the given region and
// namespace. When the client cannot be created the function logs a warning
// and leaves publishing disabled.
func InitCloudWatch(region, namespace string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if namespace == "" {
		namespace = "BondWatch"
	}

	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwState.Store(&cloudWatchState{
		client:    cloudwatch.NewFromConfig(cfg),
		namespace: namespace,
	})
	log.WithFields(logger.Fields{"namespace": namespace, "region": region}).Info("CloudWatch metrics enabled")
}

// StartPublisher flushes the counter snapshot to CloudWatch on a fixed
// interval until the context is cancelled. It is a no-op when InitCloudWatch
// has not run or failed.
func StartPublisher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publish(ctx)
			}
		}
	}()
}

func publish(ctx context.Context) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}
	log := logger.GetLogger().WithComponent("cloudwatch")

	now := time.Now()
	snapshot := Snapshot()
	data := make([]cwtypes.MetricDatum, 0, len(snapshot))
	for name, value := range snapshot {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Timestamp:  aws.Time(now),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(value)),
		})
	}

	_, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	})
	if err != nil {
		log.WithError(err).Warn("failed to publish metrics")
	}
}
