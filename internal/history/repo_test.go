package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(stream Stream, seq int64, at time.Time, payload []byte) Record {
	role := RoleUserInput
	if stream == StreamVideoAnalysis {
		role = RoleAnalysisResult
	}
	return Record{
		ID:        fmt.Sprintf("%s-%d", stream, seq),
		UserID:    testUser,
		Stream:    stream,
		Role:      role,
		Payload:   payload,
		CreatedAt: at,
		Seq:       seq,
	}
}

func TestRepoQuery_PagesByPosition(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 4; i++ {
		at := ts
		if i == 4 {
			at = ts.Add(time.Millisecond)
		}
		require.NoError(t, repo.Insert(ctx, rec(StreamChat, i, at, ChatPayload("m"))))
	}
	k := Key{UserID: testUser, Stream: StreamChat}

	all, err := repo.Query(ctx, k, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2, 1}, seqs(all))

	older, err := repo.Query(ctx, k, &Position{CreatedAt: ts, Seq: 3}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, seqs(older))

	other, err := repo.Query(ctx, Key{UserID: 8, Stream: StreamChat}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRepoInsertBatch_IgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []Record{
		rec(StreamChat, 1, ts, ChatPayload("a")),
		rec(StreamChat, 2, ts, ChatPayload("b")),
	}
	require.NoError(t, repo.InsertBatch(ctx, batch))
	require.NoError(t, repo.InsertBatch(ctx, append(batch, rec(StreamChat, 3, ts, ChatPayload("c")))))

	got, err := repo.Query(ctx, Key{UserID: testUser, Stream: StreamChat}, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, messages(t, got))
}

func TestRepo_VideoAnalysisRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	want := VideoAnalysis{Filename: "cat.mp4", Result: "a cat on a sofa", VideoDuration: "12s"}

	require.NoError(t, repo.Insert(ctx, rec(StreamVideoAnalysis, 1, ts, AnalysisPayload(want))))

	k := Key{UserID: testUser, Stream: StreamVideoAnalysis}
	got, err := repo.Query(ctx, k, nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, RoleAnalysisResult, got[0].Role)
	v, err := got[0].VideoAnalysis()
	require.NoError(t, err)
	assert.Equal(t, want, v)

	require.NoError(t, repo.Purge(ctx, k))
	got, err = repo.Query(ctx, k, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
