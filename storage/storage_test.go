package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybrid-chat/common"
)

type fullStore interface {
	MessageLog
	Directory
	SessionVerifier
}

func testMessageLog(t *testing.T, s MessageLog) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	recs := []MessageRecord{
		{ID: uuid.NewString(), From: 2, To: 1, Content: "c2", IV: "iv2", CreatedAt: t0.Add(time.Second)},
		{ID: uuid.NewString(), From: 1, To: 2, Content: "c1", IV: "iv1", CreatedAt: t0},
		{ID: uuid.NewString(), From: 1, To: 3, Content: "c3", IV: "iv3", CreatedAt: t0},
	}
	for _, r := range recs {
		require.NoError(t, s.Append(ctx, r))
	}

	hist, err := s.History(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "c1", hist[0].Content)
	assert.Equal(t, "c2", hist[1].Content)
	assert.Equal(t, "iv2", hist[1].IV)

	reverse, err := s.History(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, hist, reverse)

	none, err := s.History(ctx, 2, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDirectory(t *testing.T, s Directory) {
	ctx := context.Background()

	_, err := s.LookupKey(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)

	entry := common.PublicKeyEntry{UserID: 9, PublicKey: "pem", SigningKey: "abcd"}
	require.NoError(t, s.PublishKey(ctx, entry))
	got, err := s.LookupKey(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, entry, got)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testMessageLog(t, s)
	testDirectory(t, s)

	s.AddSession("tok", 4)
	id, err := s.Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, common.IdentityID(4), id)

	_, err = s.Verify(context.Background(), "other")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	var s fullStore = NewRedisStore(rdb)
	testMessageLog(t, s)
	testDirectory(t, s)
	assert.True(t, mr.Exists("messages:1:2"))
	assert.True(t, mr.Exists("publicKey:9"))

	require.NoError(t, mr.Set("session:tok", "4"))
	id, err := s.Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, common.IdentityID(4), id)

	_, err = s.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = s.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
