// Package redis implements the durable stream on Redis Streams. A logical
// stream of N partitions is stored as N Redis streams named "<stream>:<p>".
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

func partitionKey(stream string, p int) string {
	return stream + ":" + strconv.Itoa(p)
}

// enqueuedTime recovers the time Redis accepted an entry from its
// "<millis>-<seq>" id.
func enqueuedTime(id string) *time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func setupConsumerGroups(ctx context.Context, client redis.UniversalClient, stream, group string, partitions int) error {
	for p := 0; p < partitions; p++ {
		err := client.XGroupCreateMkStream(ctx, partitionKey(stream, p), group, "0").Err()
		if err != nil && !isRedisBusyGroupError(err) {
			return fmt.Errorf("failed to create consumer group on %s: %w", partitionKey(stream, p), err)
		}
	}
	return nil
}
