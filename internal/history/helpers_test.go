package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/suPer8Hu/vidchat/internal/store/redisstore"
)

const testUser = uint64(7)

type staticUsers map[uint64]bool

func (u staticUsers) VerifyUser(ctx context.Context, userID uint64) (bool, error) {
	_ = ctx
	return u[userID], nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps the shared in-memory database free of table locks
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Tables()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type testEnv struct {
	mr      *miniredis.Miniredis
	drv     *redisstore.Store
	cache   *Cache
	repo    *Repo
	db      *gorm.DB
	users   staticUsers
	durable DurableStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	drv := redisstore.NewWithClient(rdb)
	db := openTestDB(t)
	repo := NewRepo(db)
	return &testEnv{
		mr:      mr,
		drv:     drv,
		cache:   NewCache(drv, time.Hour),
		repo:    repo,
		db:      db,
		users:   staticUsers{testUser: true},
		durable: repo,
	}
}

func (e *testEnv) manager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Stream == "" {
		opts.Stream = StreamChat
	}
	m, err := NewManager(e.cache, e.durable, e.users, opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func (e *testEnv) durableCount(t *testing.T, stream Stream) int64 {
	t.Helper()
	var model any = &ChatRow{}
	if stream == StreamVideoAnalysis {
		model = &VideoAnalysisRow{}
	}
	var n int64
	if err := e.db.Model(model).Where("user_id = ?", testUser).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (e *testEnv) cachedLen(t *testing.T, k Key) int {
	t.Helper()
	vals, err := e.drv.ListRange(context.Background(), listKey(k), 0, -1)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	return len(vals)
}

func (e *testEnv) pendingLen(t *testing.T, k Key) int64 {
	t.Helper()
	vals, err := e.drv.ListRange(context.Background(), pendingKey(k), 0, -1)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	return int64(len(vals))
}

func messages(t *testing.T, recs []Record) []string {
	t.Helper()
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		m, err := r.ChatMessage()
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, m.Message)
	}
	return out
}

func seqs(recs []Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Seq)
	}
	return out
}

var errTierDown = errors.New("tier down")

// faultyDurable wraps a DurableStore with injectable failures and a gate
// to hold batch inserts open.
type faultyDurable struct {
	DurableStore

	mu          sync.Mutex
	insertErr   error
	batchErr    error
	queryErr    error
	batchCalls  int
	inflight    int
	maxInflight int
	gate        chan struct{}
}

func (f *faultyDurable) Insert(ctx context.Context, rec Record) error {
	f.mu.Lock()
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.DurableStore.Insert(ctx, rec)
}

func (f *faultyDurable) InsertBatch(ctx context.Context, recs []Record) error {
	f.mu.Lock()
	f.batchCalls++
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	err, gate := f.batchErr, f.gate
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return f.DurableStore.InsertBatch(ctx, recs)
}

func (f *faultyDurable) Query(ctx context.Context, k Key, before *Position, limit int) ([]Record, error) {
	f.mu.Lock()
	err := f.queryErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.DurableStore.Query(ctx, k, before, limit)
}
