package store

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/aeviox/osprey/internal/xerr"
)

// wrapRedisErr maps a go-redis failure onto the store error taxonomy
// (spec §7), mirroring database.py's catch_database_errors decorator:
// BusyLoadingError -> StoreBusy, TimeoutError -> StoreTimeout,
// connection-refused/reset -> StoreConnection, everything else ->
// StoreError (or StoreResponse for a malformed command response).
func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.Nil):
		return nil // "no data" is not a failure
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.As(err, &netErr) && netErr.Timeout():
		return xerr.Wrap(xerr.StoreTimeout, err.Error())
	case isBusyLoading(err):
		return xerr.Wrap(xerr.StoreBusy, err.Error())
	case isConnRefusedOrReset(err):
		return xerr.Wrap(xerr.StoreConnection, err.Error())
	case isResponseErr(err):
		return xerr.Wrap(xerr.StoreResponse, err.Error())
	default:
		return xerr.Wrap(xerr.StoreError, err.Error())
	}
}

func isBusyLoading(err error) bool {
	return containsAny(err.Error(), "LOADING", "loading the dataset")
}

func isConnRefusedOrReset(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(err.Error(), "connection refused", "connection reset", "broken pipe", "EOF")
}

func isResponseErr(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
