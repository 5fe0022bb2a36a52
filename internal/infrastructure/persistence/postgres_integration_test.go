//go:build integration

package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	appintegration "github.com/erp/platformsync/internal/application/integration"
	"github.com/erp/platformsync/internal/domain/integration"
	"github.com/erp/platformsync/internal/infrastructure/migration"
	"github.com/erp/platformsync/migrations"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
)

// newPostgresDatabase starts a throwaway PostgreSQL container and applies the embedded migrations
func newPostgresDatabase(t *testing.T) *Database {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("platformsync_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := NewDatabaseFromDialector(gormpostgres.Open(dsn), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	m, err := migration.New(sqlDB, migrations.FS, nil)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.NotZero(t, version)
	return db
}

func TestPostgres_ConcurrentUpsertKeepsOneRow(t *testing.T) {
	db := newPostgresDatabase(t)
	repo := NewGormConnectionRepository(db.DB)
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := integration.NewConnection(
				integration.ConnectionKey{UserID: userID, Platform: integration.PlatformShopify, SubResource: "acme.myshopify.com"},
				"k1:access", "", nil, nil,
			)
			if err != nil {
				errs <- err
				return
			}
			errs <- repo.Upsert(ctx, conn)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.DB.Model(&ConnectionModel{}).Where("user_id = ?", userID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPostgres_LockUserSerializesQuotaDecisions(t *testing.T) {
	db := newPostgresDatabase(t)
	scope := NewGormSyncTransactionScope(db.DB)
	ctx := context.Background()
	userID := uuid.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	conn := newTestConnection(t, userID, integration.PlatformX, "", "k1:x")

	go func() {
		firstDone <- scope.Execute(ctx, func(repos appintegration.TransactionalRepositories) error {
			if err := repos.ConnectionRepo().LockUser(ctx, userID); err != nil {
				return err
			}
			close(entered)
			<-release
			return repos.ConnectionRepo().Upsert(ctx, conn)
		})
	}()
	<-entered

	secondDone := make(chan int64, 1)
	go func() {
		var seen int64
		_ = scope.Execute(ctx, func(repos appintegration.TransactionalRepositories) error {
			if err := repos.ConnectionRepo().LockUser(ctx, userID); err != nil {
				return err
			}
			n, err := repos.ConnectionRepo().CountActivePlatforms(ctx, userID, integration.AllPlatforms())
			seen = n
			return err
		})
		secondDone <- seen
	}()

	select {
	case <-secondDone:
		t.Fatal("second transaction passed the user lock while the first held it")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int64(1), <-secondDone, "the waiting transaction sees the committed connection")
}

func TestPostgres_EraseRemovesRecords(t *testing.T) {
	db := newPostgresDatabase(t)
	records := NewGormSyncedRecordRepository(db.DB)
	ctx := context.Background()
	key := integration.ConnectionKey{UserID: uuid.New(), Platform: integration.PlatformX}

	now := time.Now()
	require.NoError(t, records.UpsertBatch(ctx, []*integration.SyncedRecord{
		newTestRecord(t, key, "1", 1, now),
		newTestRecord(t, key, "2", 2, now),
	}))
	// a second batch with the same native id updates in place
	require.NoError(t, records.UpsertBatch(ctx, []*integration.SyncedRecord{newTestRecord(t, key, "1", 9, now)}))

	count, err := records.CountByUserPlatform(ctx, key.UserID, key.Platform)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	deleted, err := records.DeleteByUserPlatform(ctx, key.UserID, key.Platform)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
