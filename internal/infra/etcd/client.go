package etcd

import (
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// NewClient connects to etcd. gRPC calls are traced with the global tracer provider.
func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		DialOptions: []grpc.DialOption{
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
		// the client logs through zap; taro logs through slog
		Logger: zap.NewNop(),
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}
