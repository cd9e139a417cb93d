package eventbus

import (
	"context"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"

	"jarvis/internal/core"
)

// Dial picks a connector from the endpoint scheme: redis/rediss/unix select
// Redis, amqp/amqps select an AMQP broker. Failures are *core.ConnectionError
// and are not retried here.
func Dial(ctx context.Context, endpoint, identity string, opts ...Option) (Connector, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &core.ConnectionError{Endpoint: "<invalid url>", Err: err}
	}
	switch u.Scheme {
	case "redis", "rediss", "unix":
		ro, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, &core.ConnectionError{Endpoint: redactURL(endpoint), Err: err}
		}
		return ConnectRedis(ctx, ro, identity, opts...)
	case "amqp", "amqps":
		return ConnectAMQP(ctx, endpoint, identity, opts...)
	}
	return nil, &core.ConnectionError{
		Endpoint: redactURL(endpoint),
		Err:      fmt.Errorf("unsupported broker scheme %q", u.Scheme),
	}
}

func redactURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
