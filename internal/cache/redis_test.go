package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/factorlab/factorlab/internal/errs"
)

func TestRedisGetHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{c: db, ttl: time.Minute}

	mock.ExpectGet("result:t1:return_chart").SetVal(`{"title":"x"}`)

	v, ok, err := c.Get(context.Background(), "result:t1:return_chart")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"title":"x"}`), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisGetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{c: db, ttl: time.Minute}

	mock.ExpectGet("result:t1:gone").RedisNil()

	v, ok, err := c.Get(context.Background(), "result:t1:gone")
	require.NoError(t, err, "a miss is not an error")
	require.False(t, ok)
	require.Nil(t, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisGetFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{c: db, ttl: time.Minute}

	mock.ExpectGet("k").SetErr(redis.TxFailedErr)

	_, ok, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{c: db, ttl: time.Minute}

	payload := []byte(`{"x":[1,2]}`)
	mock.ExpectSet("k", payload, 10*time.Minute).SetVal("OK")

	require.NoError(t, c.Set(context.Background(), "k", payload, 10*time.Minute))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSetDefaultTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{c: db, ttl: time.Minute}

	payload := []byte("v")
	mock.ExpectSet("k", payload, time.Minute).SetVal("OK")

	require.NoError(t, c.Set(context.Background(), "k", payload, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSetFailure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{c: db, ttl: time.Minute}

	mock.ExpectSet("k", []byte("v"), time.Minute).SetErr(redis.TxFailedErr)

	err := c.Set(context.Background(), "k", []byte("v"), time.Minute)
	require.Error(t, err)
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
