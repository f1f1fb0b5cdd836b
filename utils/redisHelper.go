package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/mfg_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func GetTypeName[T any]() string {
	var v T
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// CacheKey is "<TypeName>:<id>".
func CacheKey[T any](id int) string {
	return GetTypeName[T]() + ":" + fmt.Sprint(id)
}

// StoreRedis caches obj under its type and id for the configured lifespan.
func StoreRedis[T any](obj *T, id int) error {
	return config.SetRedisObject(CacheKey[T](id), obj, GetCacheLifespan())
}

// RetrieveRedis returns the cached object, or nil when redis is off or the key is absent.
func RetrieveRedis[T any](id int) (*T, error) {
	var obj T
	found, err := config.GetRedisObject(CacheKey[T](id), &obj)
	if err != nil || !found {
		return nil, err
	}
	return &obj, nil
}
