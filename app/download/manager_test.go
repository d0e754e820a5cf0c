package download

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qiyuelian/caijibot/app/cfg"
	"github.com/qiyuelian/caijibot/app/database"
	"github.com/qiyuelian/caijibot/app/telegram"
)

// fakeClient records fetch order and delegates behavior to an optional
// per-call hook.
type fakeClient struct {
	mu    sync.Mutex
	order []string
	refs  []telegram.MessageRef
	calls map[string]int

	delay time.Duration
	hook  func(ref telegram.MessageRef, attempt int) error

	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: make(map[string]int)}
}

func (c *fakeClient) ResolveEntity(ctx context.Context, channelID int64) (*telegram.Entity, error) {
	return &telegram.Entity{ID: channelID}, nil
}

func (c *fakeClient) IterateMessages(ctx context.Context, entity *telegram.Entity, minID int64, limit int) ([]telegram.Message, error) {
	return nil, nil
}

func (c *fakeClient) FetchBytes(ctx context.Context, ref telegram.MessageRef, destPath string, progress telegram.ProgressFunc) (string, error) {
	key := fmt.Sprintf("%d", ref.MessageID)

	c.mu.Lock()
	c.calls[key]++
	attempt := c.calls[key]
	c.order = append(c.order, key)
	c.refs = append(c.refs, ref)
	hook := c.hook
	c.mu.Unlock()

	current := c.inFlight.Add(1)
	for {
		max := c.maxConcurrent.Load()
		if current <= max || c.maxConcurrent.CompareAndSwap(max, current) {
			break
		}
	}
	defer c.inFlight.Add(-1)

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if hook != nil {
		if err := hook(ref, attempt); err != nil {
			return "", err
		}
	}

	if progress != nil {
		progress(512, 1024)
		progress(1024, 1024)
	}
	if err := os.WriteFile(destPath, []byte("media payload bytes"), 0644); err != nil {
		return "", err
	}
	return destPath, nil
}

func (c *fakeClient) fetchOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *fakeClient) fetchedRefs() []telegram.MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]telegram.MessageRef, len(c.refs))
	copy(out, c.refs)
	return out
}

func (c *fakeClient) callCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

// channelStore is the minimal in-memory ChannelRepository the manager
// resolves stored items through.
type channelStore struct {
	mu       sync.Mutex
	channels map[string]*database.Channel
}

func newChannelStore() *channelStore {
	return &channelStore{channels: make(map[string]*database.Channel)}
}

func (s *channelStore) put(ch *database.Channel) *database.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
	return ch
}

func (s *channelStore) UpsertChannel(platformChannelID int64, title string) (string, error) {
	return "", nil
}

func (s *channelStore) GetChannel(id string) (*database.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	out := *ch
	return &out, nil
}

func (s *channelStore) ListChannels() ([]database.Channel, error) { return nil, nil }

func (s *channelStore) UpdateCursor(id string, lastMessageID int64, checkedAt time.Time) error {
	return nil
}

// passOrganizer leaves the downloaded file where it landed.
type passOrganizer struct{}

func (passOrganizer) Organize(item *database.Item, tempPath string) (string, error) {
	return tempPath, nil
}

// itemStore is the minimal in-memory ItemRepository the manager exercises.
type itemStore struct {
	mu    sync.Mutex
	items map[string]*database.Item
}

func newItemStore() *itemStore {
	return &itemStore{items: make(map[string]*database.Item)}
}

func (s *itemStore) put(item *database.Item) *database.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return item
}

func (s *itemStore) get(id string) database.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *itemStore) InsertItem(item *database.Item) error { s.put(item); return nil }

func (s *itemStore) GetItem(id string) (*database.Item, error) {
	item := s.get(id)
	return &item, nil
}

func (s *itemStore) UpdateStatus(id string, status database.ItemStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		item.Status = status
		item.ErrorMessage = errorMessage
	}
	return nil
}

func (s *itemStore) UpdateProgress(id string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		item.Progress = progress
	}
	return nil
}

func (s *itemStore) MarkCompleted(id string, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		item.Status = database.StatusCompleted
		item.FilePath = filePath
	}
	return nil
}

func (s *itemStore) MarkDuplicate(id string, canonicalID string) error     { return nil }
func (s *itemStore) UpdateFileHash(id string, fileHash string) error       { return nil }
func (s *itemStore) UpdateContentHash(id string, contentHash string) error { return nil }

func (s *itemStore) FindByNameSize(string, string, int64) ([]database.Item, error) { return nil, nil }
func (s *itemStore) FindByPlatformFileID(string) ([]database.Item, error)          { return nil, nil }
func (s *itemStore) FindByOriginMessage(int64) (*database.Item, error)             { return nil, nil }
func (s *itemStore) SearchText(string, string, int) ([]database.Item, error)       { return nil, nil }
func (s *itemStore) FindVideosByDuration(string, int, int, int) ([]database.Item, error) {
	return nil, nil
}
func (s *itemStore) FindByFileHash(string) ([]database.Item, error)                { return nil, nil }
func (s *itemStore) ListFingerprinted(database.MediaKind) ([]database.Item, error) { return nil, nil }
func (s *itemStore) ListUnprocessed(database.MediaKind, int) ([]database.Item, error) {
	return nil, nil
}

func (s *itemStore) listByStatus(status database.ItemStatus, limit int) []database.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Item
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, *item)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (s *itemStore) ListPending(limit int) ([]database.Item, error) {
	return s.listByStatus(database.StatusPending, limit), nil
}

func (s *itemStore) ListFailed(limit int) ([]database.Item, error) {
	return s.listByStatus(database.StatusFailed, limit), nil
}

func (s *itemStore) ListDuplicates(limit int) ([]database.Item, error) { return nil, nil }
func (s *itemStore) GetStats() (*database.ItemStats, error)            { return &database.ItemStats{}, nil }

func newTestManager(t *testing.T, client telegram.Client, items database.ItemRepository, channels database.ChannelRepository, concurrency int) *Manager {
	t.Helper()
	cfg.Set(&cfg.Cfg{
		TempDir:                t.TempDir(),
		MaxConcurrentDownloads: concurrency,
		FetchRatePerSecond:     1000,
	})
	return NewManager(client, items, channels, passOrganizer{})
}

func waitForFinished(t *testing.T, m *Manager, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := m.Stats()
		if stats.Completed+stats.Failed >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("downloads did not finish: %+v", m.Stats())
}

func TestManagerDrainsInPriorityOrder(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	m := newTestManager(t, client, store, newChannelStore(), 1)

	for i, priority := range []int{1, 5, 3} {
		id := fmt.Sprintf("item%d", i)
		item := store.put(&database.Item{ID: id, Status: database.StatusPending, MessageID: int64(priority)})
		if !m.Add(item, telegram.MessageRef{MessageID: int64(priority)}, priority) {
			t.Fatalf("Add(%s) refused", id)
		}
	}

	m.Start(context.Background())
	waitForFinished(t, m, 3)
	m.Stop()

	got := client.fetchOrder()
	want := []string{"5", "3", "1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fetch order = %v, want %v", got, want)
		}
	}
}

func TestManagerAddIdempotent(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	m := newTestManager(t, client, store, newChannelStore(), 1)

	item := store.put(&database.Item{ID: "a", Status: database.StatusPending})
	if !m.Add(item, telegram.MessageRef{MessageID: 1}, 0) {
		t.Fatalf("first add refused")
	}
	if m.Add(item, telegram.MessageRef{MessageID: 1}, 0) {
		t.Errorf("duplicate add must be refused")
	}
	if got := m.Stats().Queued; got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestManagerAddRefusedWhileTaskDispatched(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	cfg.Set(&cfg.Cfg{
		TempDir:                t.TempDir(),
		MaxConcurrentDownloads: 1,
		FetchRatePerSecond:     5,
	})
	m := NewManager(client, store, newChannelStore(), passOrganizer{})

	a := store.put(&database.Item{ID: "a", Status: database.StatusPending, MessageID: 1})
	b := store.put(&database.Item{ID: "b", Status: database.StatusPending, MessageID: 2})
	m.Add(a, telegram.MessageRef{MessageID: 1}, 5)
	m.Add(b, telegram.MessageRef{MessageID: 2}, 1)

	m.Start(context.Background())

	// Wait until the second task left the queue; the rate limiter then
	// holds it between pop and transfer, where the item must stay
	// reserved.
	deadline := time.Now().Add(5 * time.Second)
	for {
		stats := m.Stats()
		if stats.Completed >= 1 && stats.Queued == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second task never left the queue: %+v", m.Stats())
		}
		time.Sleep(2 * time.Millisecond)
	}

	if m.Add(b, telegram.MessageRef{MessageID: 2}, 1) {
		t.Errorf("re-add must be refused while a worker holds the popped task")
	}

	waitForFinished(t, m, 2)
	m.Stop()

	if got := client.callCount("2"); got != 1 {
		t.Errorf("item b transferred %d times, want 1", got)
	}
}

func TestManagerBoundedConcurrency(t *testing.T) {
	client := newFakeClient()
	client.delay = 30 * time.Millisecond
	store := newItemStore()
	m := newTestManager(t, client, store, newChannelStore(), 2)

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("item%d", i)
		item := store.put(&database.Item{ID: id, Status: database.StatusPending, MessageID: int64(i)})
		m.Add(item, telegram.MessageRef{MessageID: int64(i)}, 0)
	}

	m.Start(context.Background())
	waitForFinished(t, m, 6)
	m.Stop()

	if max := client.maxConcurrent.Load(); max > 2 {
		t.Errorf("observed %d concurrent fetches, limit is 2", max)
	}
	if stats := m.Stats(); stats.Completed != 6 {
		t.Errorf("completed = %d, want 6", stats.Completed)
	}
}

func TestManagerFloodWaitRequeuesAndHonorsDelay(t *testing.T) {
	const floodDelay = 60 * time.Millisecond

	client := newFakeClient()
	var firstAttempt, secondAttempt time.Time
	client.hook = func(ref telegram.MessageRef, attempt int) error {
		if attempt == 1 {
			firstAttempt = time.Now()
			return &telegram.FloodWaitError{Wait: floodDelay}
		}
		secondAttempt = time.Now()
		return nil
	}

	store := newItemStore()
	m := newTestManager(t, client, store, newChannelStore(), 1)

	item := store.put(&database.Item{ID: "a", Status: database.StatusPending, MessageID: 1})
	m.Add(item, telegram.MessageRef{MessageID: 1}, 0)

	m.Start(context.Background())
	waitForFinished(t, m, 1)
	m.Stop()

	stats := m.Stats()
	if stats.Failed != 0 {
		t.Fatalf("flood wait must not fail the item: %+v", stats)
	}
	if stats.Completed != 1 || stats.FloodWaits != 1 {
		t.Errorf("expected 1 completion after 1 flood wait: %+v", stats)
	}
	if elapsed := secondAttempt.Sub(firstAttempt); elapsed < floodDelay {
		t.Errorf("retry after %v, must wait at least %v", elapsed, floodDelay)
	}
	if stored := store.get("a"); stored.Status != database.StatusCompleted {
		t.Errorf("item status = %s, want completed", stored.Status)
	}
}

func TestManagerFailureRecorded(t *testing.T) {
	client := newFakeClient()
	client.hook = func(ref telegram.MessageRef, attempt int) error {
		return fmt.Errorf("transport broke")
	}

	store := newItemStore()
	m := newTestManager(t, client, store, newChannelStore(), 1)

	item := store.put(&database.Item{ID: "a", Status: database.StatusPending, MessageID: 1})
	m.Add(item, telegram.MessageRef{MessageID: 1}, 0)

	m.Start(context.Background())
	waitForFinished(t, m, 1)
	m.Stop()

	if stats := m.Stats(); stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("expected 1 failure: %+v", stats)
	}
	stored := store.get("a")
	if stored.Status != database.StatusFailed || stored.ErrorMessage == "" {
		t.Errorf("failure not persisted: %+v", stored)
	}

	history := m.History()
	if len(history) != 1 || history[0].State != StateFailed {
		t.Errorf("failed task must enter history: %+v", history)
	}
}

func TestManagerPauseHoldsBacklog(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	m := newTestManager(t, client, store, newChannelStore(), 1)
	m.Pause()

	item := store.put(&database.Item{ID: "a", Status: database.StatusPending, MessageID: 1})
	m.Add(item, telegram.MessageRef{MessageID: 1}, 0)
	m.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	if stats := m.Stats(); stats.Completed != 0 || stats.Queued != 1 {
		t.Fatalf("paused pool must not transfer: %+v", stats)
	}

	m.Resume()
	waitForFinished(t, m, 1)
	m.Stop()

	if stats := m.Stats(); stats.Completed != 1 {
		t.Errorf("resume must drain the backlog: %+v", stats)
	}
}

func TestManagerRetryFailed(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	channels := newChannelStore()
	m := newTestManager(t, client, store, channels, 1)

	channels.put(&database.Channel{ID: "chan-1", PlatformChannelID: 42})
	store.put(&database.Item{ID: "a", ChannelID: "chan-1", Status: database.StatusFailed, MessageID: 1, ErrorMessage: "old failure"})
	store.put(&database.Item{ID: "b", ChannelID: "chan-1", Status: database.StatusFailed, MessageID: 2, ErrorMessage: "old failure"})

	queued, err := m.RetryFailed(50)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued = %d, want 2", queued)
	}
	for _, id := range []string{"a", "b"} {
		if stored := store.get(id); stored.Status != database.StatusPending {
			t.Errorf("item %s status = %s, want pending", id, stored.Status)
		}
	}

	m.Start(context.Background())
	waitForFinished(t, m, 2)
	m.Stop()

	if stats := m.Stats(); stats.Completed != 2 {
		t.Errorf("retried items must complete: %+v", stats)
	}
	for _, ref := range client.fetchedRefs() {
		if ref.ChannelID != 42 {
			t.Errorf("retried ref channel = %d, want 42", ref.ChannelID)
		}
	}
}

func TestManagerQueuePending(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	channels := newChannelStore()
	m := newTestManager(t, client, store, channels, 1)

	channels.put(&database.Channel{ID: "chan-1", PlatformChannelID: 42})
	store.put(&database.Item{ID: "a", ChannelID: "chan-1", Status: database.StatusPending, MessageID: 1})
	store.put(&database.Item{ID: "b", ChannelID: "chan-1", Status: database.StatusCompleted, MessageID: 2})

	queued, err := m.QueuePending(50)
	if err != nil {
		t.Fatalf("QueuePending: %v", err)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1 (only pending items)", queued)
	}
}

func TestManagerStoredItemsCarryChannelRef(t *testing.T) {
	client := newFakeClient()
	store := newItemStore()
	channels := newChannelStore()
	m := newTestManager(t, client, store, channels, 1)

	channels.put(&database.Channel{ID: "chan-1", PlatformChannelID: 4711})
	store.put(&database.Item{ID: "a", ChannelID: "chan-1", Status: database.StatusPending, MessageID: 7})
	// No channel record: the item cannot be located on the platform.
	store.put(&database.Item{ID: "orphan", ChannelID: "chan-gone", Status: database.StatusPending, MessageID: 8})

	queued, err := m.QueuePending(50)
	if err != nil {
		t.Fatalf("QueuePending: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d, want 1 (orphan has no channel)", queued)
	}

	m.Start(context.Background())
	waitForFinished(t, m, 1)
	m.Stop()

	refs := client.fetchedRefs()
	if len(refs) != 1 {
		t.Fatalf("fetched %d refs, want 1", len(refs))
	}
	if refs[0].ChannelID != 4711 || refs[0].MessageID != 7 {
		t.Errorf("ref = %+v, want channel 4711 message 7", refs[0])
	}
}

func TestManagerHistoryBounded(t *testing.T) {
	m := newTestManager(t, newFakeClient(), newItemStore(), newChannelStore(), 1)

	m.mu.Lock()
	for i := 0; i < historyCap+10; i++ {
		m.appendHistory(TaskInfo{ID: fmt.Sprintf("t%d", i), State: StateCompleted})
	}
	m.mu.Unlock()

	history := m.History()
	if len(history) > historyCap {
		t.Fatalf("history length %d exceeds cap %d", len(history), historyCap)
	}
	// The newest entry survives every trim.
	last := history[len(history)-1]
	if last.ID != fmt.Sprintf("t%d", historyCap+9) {
		t.Errorf("newest entry missing, got %s", last.ID)
	}
}
