package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/archonhq/archon/pkg/memory"
	sessredis "github.com/archonhq/archon/pkg/memory/redis"
	"github.com/archonhq/archon/pkg/types"
)

// testClient returns a client for the test cache, or skips the test when
// ARCHON_TEST_REDIS_ADDR is not set.
func testClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("ARCHON_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARCHON_TEST_REDIS_ADDR not set, skipping Redis integration tests")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCreateSessionGeneratesAndReturnsExisting(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("generated session id is empty")
	}
	if created.UserID != "u-1" {
		t.Errorf("UserID = %q, want u-1", created.UserID)
	}
	if len(created.Messages) != 0 {
		t.Errorf("new session has %d messages, want 0", len(created.Messages))
	}

	// Creating under an existing id returns that session, not a fresh one.
	if _, err := store.AddMessage(ctx, created.SessionID, memory.Message{
		Role:    memory.RoleUser,
		Content: "hello",
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	again, err := store.CreateSession(ctx, "u-1", created.SessionID)
	if err != nil {
		t.Fatalf("CreateSession existing: %v", err)
	}
	if again.SessionID != created.SessionID {
		t.Errorf("SessionID = %q, want %q", again.SessionID, created.SessionID)
	}
	if len(again.Messages) != 1 {
		t.Errorf("existing session lost its messages: got %d, want 1", len(again.Messages))
	}
}

func TestCreateSessionRequiresUser(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	_, err := store.CreateSession(context.Background(), "", "")
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("error kind = %v, want validation", types.KindOf(err))
	}
}

func TestGetSessionUnknownIsNotFound(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	_, err := store.GetSession(context.Background(), "missing")
	if !types.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestGetSessionRefreshesTTL(t *testing.T) {
	client := testClient(t)
	store := sessredis.NewSessionStore(client, sessredis.WithTTL(2*time.Second))
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(1200 * time.Millisecond)
	if _, err := store.GetSession(ctx, created.SessionID); err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	// The access above reset the clock; without the refresh the session
	// would be gone by now.
	time.Sleep(1200 * time.Millisecond)
	if _, err := store.GetSession(ctx, created.SessionID); err != nil {
		t.Fatalf("GetSession after refresh window: %v", err)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := store.GetSession(ctx, created.SessionID); !types.IsNotFound(err) {
		t.Errorf("error after expiry = %v, want not found", err)
	}
}

func TestAddMessageValidatesRole(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err = store.AddMessage(ctx, created.SessionID, memory.Message{Role: "robot", Content: "beep"})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("error kind = %v, want validation", types.KindOf(err))
	}
}

func TestAddMessageConcurrentNoLostUpdates(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AddMessage(ctx, created.SessionID, memory.Message{
				Role:    memory.RoleUser,
				Content: "concurrent",
			})
			if err != nil {
				t.Errorf("AddMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	session, err := store.GetSession(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(session.Messages) != writers {
		t.Errorf("messages = %d, want %d", len(session.Messages), writers)
	}
}

func TestUpdateContextMergesNonZeroFields(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := store.UpdateContext(ctx, created.SessionID, memory.SessionContext{
		ActiveProjectID: "proj-1",
		MentionedFiles:  []string{"main.go"},
		Metadata:        map[string]any{"branch": "main"},
	}); err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}

	// A second partial update must not clear the untouched fields.
	updated, err := store.UpdateContext(ctx, created.SessionID, memory.SessionContext{
		ActiveTaskIDs: []string{"task-7"},
		Metadata:      map[string]any{"branch": "dev"},
	})
	if err != nil {
		t.Fatalf("UpdateContext: %v", err)
	}

	if updated.Context.ActiveProjectID != "proj-1" {
		t.Errorf("ActiveProjectID = %q, want proj-1", updated.Context.ActiveProjectID)
	}
	if len(updated.Context.MentionedFiles) != 1 || updated.Context.MentionedFiles[0] != "main.go" {
		t.Errorf("MentionedFiles = %v, want [main.go]", updated.Context.MentionedFiles)
	}
	if len(updated.Context.ActiveTaskIDs) != 1 || updated.Context.ActiveTaskIDs[0] != "task-7" {
		t.Errorf("ActiveTaskIDs = %v, want [task-7]", updated.Context.ActiveTaskIDs)
	}
	if updated.Context.Metadata["branch"] != "dev" {
		t.Errorf("Metadata[branch] = %v, want dev", updated.Context.Metadata["branch"])
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	store := sessredis.NewSessionStore(testClient(t))
	ctx := context.Background()

	created, err := store.CreateSession(ctx, "u-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.DeleteSession(ctx, created.SessionID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, created.SessionID); !types.IsNotFound(err) {
		t.Errorf("error after delete = %v, want not found", err)
	}
	if err := store.DeleteSession(ctx, created.SessionID); err != nil {
		t.Errorf("second DeleteSession: %v", err)
	}
}
