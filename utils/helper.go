package utils

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/bsm/redislock"
	"github.com/dtrspro/fieldops_backend/config"
)

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* locking */

// RecordLock serializes mutations against one record across processes.
// The multi-item BOM deduction takes it around the whole batch so two
// concurrent deliveries of the same job transition cannot interleave
// partial inventory writes.
func RecordLock(ctx context.Context, family string, recordId int, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis lock not wired (local/dev). DB idempotency keys still make
		// redelivery safe; only cross-process interleaving protection is lost.
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("lock:%s:%d", family, recordId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain record lock", lockKey, err)
		return nil, errors.New("could not obtain record lock")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining record lock", lockKey, err)
		return nil, err
	}
	release := func() {
		_ = lock.Release(ctx)
	}
	return release, nil
}
