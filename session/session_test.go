package session

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/chat"
	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
)

const (
	testUser  = "42"
	testBotID = "123456789012345678"
)

// memStore is an in-memory registry.Store.
type memStore struct {
	mu      sync.Mutex
	entries map[string]registry.UserEntry
}

func newMemStore() *memStore { return &memStore{entries: make(map[string]registry.UserEntry)} }

func (m *memStore) Init() error  { return nil }
func (m *memStore) Close() error { return nil }

func (m *memStore) GetUser(userID string) (registry.UserEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[userID]
	return registry.UserEntry{Language: e.Language, Containers: append([]registry.Record(nil), e.Containers...)}, nil
}

func (m *memStore) PutUser(userID string, e registry.UserEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = registry.UserEntry{Language: e.Language, Containers: append([]registry.Record(nil), e.Containers...)}
	return nil
}

func (m *memStore) Users() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for u := range m.entries {
		out = append(out, u)
	}
	return out, nil
}

// fakeCollab implements chat.Collaborator, recording calls.
type fakeCollab struct {
	mu              sync.Mutex
	channels        int
	deletedChannels []string
	sent            []string
	lookupErr       error
}

func (f *fakeCollab) SendMessage(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeCollab) EditMessage(context.Context, string, string, string) error { return nil }
func (f *fakeCollab) DeleteMessage(context.Context, string, string) error       { return nil }

func (f *fakeCollab) SendSelect(_ context.Context, _, _, _ string, _ []chat.SelectOption) (string, error) {
	return "menu-1", nil
}

func (f *fakeCollab) SendFile(context.Context, string, string) error { return nil }

func (f *fakeCollab) CreateChannel(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels++
	return "chan-1", nil
}

func (f *fakeCollab) DeleteChannel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedChannels = append(f.deletedChannels, id)
	return nil
}

func (f *fakeCollab) LookupBot(_ context.Context, botID string) (chat.BotProfile, error) {
	if f.lookupErr != nil {
		return chat.BotProfile{}, f.lookupErr
	}
	return chat.BotProfile{ID: botID, Username: "TestBot"}, nil
}

// FetchAttachment writes a small valid zip so the build step can extract it.
func (f *fakeCollab) FetchAttachment(_ context.Context, _ chat.Attachment, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	w := zip.NewWriter(out)
	fw, err := w.Create("main.py")
	if err != nil {
		return err
	}
	if _, err := fw.Write([]byte("print('hi')")); err != nil {
		return err
	}
	return w.Close()
}

func (f *fakeCollab) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels
}

// stubRuntime implements runtime.Adapter with scriptable failures.
type stubRuntime struct {
	mu       sync.Mutex
	calls    []string
	buildErr error
	startErr error
}

func (r *stubRuntime) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *stubRuntime) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *stubRuntime) called(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (r *stubRuntime) Ping(context.Context) error { r.record("ping"); return nil }

func (r *stubRuntime) BuildImage(context.Context, string, string) error {
	r.record("build")
	return r.buildErr
}

func (r *stubRuntime) CreateContainer(context.Context, string, string, int) (string, error) {
	r.record("create")
	return "cid-1", nil
}

func (r *stubRuntime) Start(_ context.Context, id string) error {
	r.record("start " + id)
	return r.startErr
}

func (r *stubRuntime) Stop(_ context.Context, id string) error    { r.record("stop " + id); return nil }
func (r *stubRuntime) Restart(_ context.Context, id string) error { r.record("restart " + id); return nil }
func (r *stubRuntime) Remove(_ context.Context, id string) error  { r.record("remove " + id); return nil }

func (r *stubRuntime) UpdateRAM(_ context.Context, id string, _ int) error {
	r.record("update " + id)
	return nil
}

func (r *stubRuntime) Rename(_ context.Context, id, name string) error {
	r.record("rename " + id)
	return nil
}

func (r *stubRuntime) Inspect(context.Context, string) (runtime.Info, error) {
	r.record("inspect")
	return runtime.Info{Status: "running", Running: true}, nil
}

func (r *stubRuntime) Stats(context.Context, string) (runtime.Stats, error) {
	r.record("stats")
	return runtime.Stats{}, nil
}

func (r *stubRuntime) ExecCapture(context.Context, string, []string) (string, error) {
	r.record("exec")
	return "", nil
}

func (r *stubRuntime) CopyOut(context.Context, string, string, string) error {
	r.record("copyout")
	return nil
}

func (r *stubRuntime) Logs(context.Context, string, int) (string, error) {
	r.record("logs")
	return "", nil
}

// fixture wires a session against fakes with short timeouts.
type fixture struct {
	cfg       *hivehost.Config
	reg       *registry.Registry
	rt        *stubRuntime
	collab    *fakeCollab
	collector *chat.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := hivehost.DefaultConfig()
	cfg.DataDir = t.TempDir()
	return &fixture{
		cfg:       &cfg,
		reg:       registry.New(newMemStore(), cfg.MaxContainersPerUser, cfg.MinRAMMB, cfg.MaxRAMMB),
		rt:        &stubRuntime{},
		collab:    &fakeCollab{},
		collector: chat.NewCollector(),
	}
}

func (f *fixture) newSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(testUser, f.cfg, f.reg, f.rt, f.collab, f.collector,
		WithTimeouts(500*time.Millisecond, 500*time.Millisecond),
		WithGrace(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// deliver retries until a waiter consumes the message or the deadline hits.
func deliverMessage(t *testing.T, c *chat.Collector, m chat.Message) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.DeliverMessage(m) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %+v never consumed", m)
}

func deliverSelection(t *testing.T, c *chat.Collector, s chat.Selection) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.DeliverSelection(s) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("selection %+v never consumed", s)
}

// driveInputs walks the fixture through all input steps.
func (f *fixture) driveInputs(t *testing.T) {
	t.Helper()
	deliverMessage(t, f.collector, chat.Message{ID: "m1", ChannelID: "chan-1", AuthorID: testUser, Content: testBotID})
	deliverSelection(t, f.collector, chat.Selection{ChannelID: "chan-1", UserID: testUser, CustomID: "select_language_up", Values: []string{"python"}})
	deliverMessage(t, f.collector, chat.Message{ID: "m2", ChannelID: "chan-1", AuthorID: testUser, Content: "main.py"})
	deliverMessage(t, f.collector, chat.Message{ID: "m3", ChannelID: "chan-1", AuthorID: testUser, Content: "256"})
	deliverMessage(t, f.collector, chat.Message{
		ID: "m4", ChannelID: "chan-1", AuthorID: testUser,
		Attachments: []chat.Attachment{{Name: "bot.zip", URL: "http://example/bot.zip"}},
	})
}

func TestProvisioningHappyPath(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t)

	type result struct {
		rec registry.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := s.Run(context.Background())
		done <- result{rec, err}
	}()

	f.driveInputs(t)

	res := <-done
	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if s.State() != StateDone {
		t.Errorf("state = %v, want done", s.State())
	}
	if res.rec.ContainerID == "" {
		t.Error("record has empty container id")
	}
	if res.rec.Status != registry.StatusRunning {
		t.Errorf("status = %q, want running", res.rec.Status)
	}
	if res.rec.Name != "bot-42-123456789012345678" {
		t.Errorf("name = %q", res.rec.Name)
	}

	recs, _ := f.reg.Containers(testUser)
	if len(recs) != 1 {
		t.Fatalf("registry has %d records, want 1", len(recs))
	}
	if recs[0].RAM != 256 || recs[0].Language != "python" || recs[0].MainFile != "main.py" {
		t.Errorf("stored record = %+v", recs[0])
	}

	// The extracted tree survives as the build context; the zip does not.
	extractDir := filepath.Join(f.cfg.DataDir, "containers", testUser, testBotID)
	if _, err := os.Stat(filepath.Join(extractDir, "Dockerfile")); err != nil {
		t.Errorf("missing materialized Dockerfile: %v", err)
	}
	zips, _ := filepath.Glob(filepath.Join(f.cfg.DataDir, "tmp", "*.zip"))
	if len(zips) != 0 {
		t.Errorf("leftover zip scratch: %v", zips)
	}
}

func TestQuotaCheckedBeforeAnySideEffect(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < f.cfg.MaxContainersPerUser; i++ {
		rec := registry.Record{
			BotID:       fmt.Sprintf("10000000000000000%d", i),
			ContainerID: fmt.Sprintf("c%d", i),
			Status:      registry.StatusRunning,
		}
		if err := f.reg.Add(testUser, rec); err != nil {
			t.Fatal(err)
		}
	}

	_, err := New(testUser, f.cfg, f.reg, f.rt, f.collab, f.collector)
	if !errors.Is(err, hivehost.ErrQuotaExceeded) {
		t.Fatalf("New() error = %v, want ErrQuotaExceeded", err)
	}
	if f.collab.channelCount() != 0 {
		t.Error("channel created despite quota rejection")
	}
	if f.rt.callCount() != 0 {
		t.Error("runtime called despite quota rejection")
	}
}

func TestTimeoutProducesNoMutationAndCleansScratch(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t)

	// Never deliver anything; the first step times out.
	_, err := s.Run(context.Background())
	if !errors.Is(err, hivehost.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if s.State() != StateFailed || s.Reason() != FailTimeout {
		t.Errorf("state = %v reason = %v, want failed/timeout", s.State(), s.Reason())
	}

	n, _ := f.reg.Count(testUser)
	if n != 0 {
		t.Errorf("registry mutated on timeout: %d records", n)
	}
	if f.rt.callCount() != 0 {
		t.Error("runtime called on timed-out session")
	}

	// Channel teardown happens after the (tiny) grace period.
	time.Sleep(50 * time.Millisecond)
	f.collab.mu.Lock()
	deleted := len(f.collab.deletedChannels)
	f.collab.mu.Unlock()
	if deleted != 1 {
		t.Errorf("deleted %d channels, want 1", deleted)
	}
}

func TestArchiveTimeoutRemovesFetchedScratch(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	deliverMessage(t, f.collector, chat.Message{ID: "m1", ChannelID: "chan-1", AuthorID: testUser, Content: testBotID})
	deliverSelection(t, f.collector, chat.Selection{ChannelID: "chan-1", UserID: testUser, CustomID: "select_language_up", Values: []string{"python"}})
	deliverMessage(t, f.collector, chat.Message{ID: "m2", ChannelID: "chan-1", AuthorID: testUser, Content: "main.py"})
	deliverMessage(t, f.collector, chat.Message{ID: "m3", ChannelID: "chan-1", AuthorID: testUser, Content: "256"})
	// Never upload the archive.

	if err := <-done; !errors.Is(err, hivehost.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}

	zips, _ := filepath.Glob(filepath.Join(f.cfg.DataDir, "tmp", "*.zip"))
	if len(zips) != 0 {
		t.Errorf("scratch zip left behind: %v", zips)
	}
	n, _ := f.reg.Count(testUser)
	if n != 0 {
		t.Error("registry mutated on timeout")
	}
}

func TestBotIDValidation(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	// Wait for the bot-id waiter to register, then poke invalid inputs at it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f.collab.channelCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	for _, bad := range []string{"not-a-number", "12345", "12345678901234567890"} {
		if f.collector.DeliverMessage(chat.Message{ChannelID: "chan-1", AuthorID: testUser, Content: bad}) {
			t.Errorf("invalid bot id %q was accepted", bad)
		}
	}

	// A valid id from a different author is also ignored.
	if f.collector.DeliverMessage(chat.Message{ChannelID: "chan-1", AuthorID: "other", Content: testBotID}) {
		t.Error("bot id from non-owner was accepted")
	}

	if err := <-done; !errors.Is(err, hivehost.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestBotLookupFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.collab.lookupErr = errors.New("unknown user")
	s := f.newSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	deliverMessage(t, f.collector, chat.Message{ID: "m1", ChannelID: "chan-1", AuthorID: testUser, Content: testBotID})

	if err := <-done; !errors.Is(err, hivehost.ErrNotFound) {
		t.Fatalf("Run() error = %v, want ErrNotFound", err)
	}
	if s.Reason() != FailNotFound {
		t.Errorf("reason = %v, want not-found", s.Reason())
	}
	if f.rt.callCount() != 0 {
		t.Error("runtime called after failed identity lookup")
	}
}

func TestRAMInputValidation(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	deliverMessage(t, f.collector, chat.Message{ID: "m1", ChannelID: "chan-1", AuthorID: testUser, Content: testBotID})
	deliverSelection(t, f.collector, chat.Selection{ChannelID: "chan-1", UserID: testUser, CustomID: "select_language_up", Values: []string{"python"}})
	deliverMessage(t, f.collector, chat.Message{ID: "m2", ChannelID: "chan-1", AuthorID: testUser, Content: "main.py"})

	// Let the RAM waiter register before probing rejects.
	time.Sleep(30 * time.Millisecond)
	for _, bad := range []string{"64", "8192", "lots", "-256"} {
		if f.collector.DeliverMessage(chat.Message{ChannelID: "chan-1", AuthorID: testUser, Content: bad}) {
			t.Errorf("invalid ram %q was accepted", bad)
		}
	}

	deliverMessage(t, f.collector, chat.Message{ID: "m3", ChannelID: "chan-1", AuthorID: testUser, Content: "512"})
	deliverMessage(t, f.collector, chat.Message{
		ID: "m4", ChannelID: "chan-1", AuthorID: testUser,
		Attachments: []chat.Attachment{{Name: "bot.zip"}},
	})

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, err := f.reg.Get(testUser, "cid-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.RAM != 512 {
		t.Errorf("RAM = %d, want 512", rec.RAM)
	}
}

func TestBuildFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	f.rt.buildErr = fmt.Errorf("step 4/7 failed: %w", hivehost.ErrRuntime)
	s := f.newSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	f.driveInputs(t)

	if err := <-done; !errors.Is(err, hivehost.ErrRuntime) {
		t.Fatalf("Run() error = %v, want ErrRuntime", err)
	}
	if s.Reason() != FailBuild {
		t.Errorf("reason = %v, want build", s.Reason())
	}

	n, _ := f.reg.Count(testUser)
	if n != 0 {
		t.Error("registry mutated on build failure")
	}
	extractDir := filepath.Join(f.cfg.DataDir, "containers", testUser, testBotID)
	if _, err := os.Stat(extractDir); !os.IsNotExist(err) {
		t.Error("extract dir not cleaned up on build failure")
	}
	if f.rt.called("create") {
		t.Error("container created despite failed build")
	}
}

func TestStartFailureRemovesContainer(t *testing.T) {
	f := newFixture(t)
	f.rt.startErr = fmt.Errorf("oom on start: %w", hivehost.ErrRuntime)
	s := f.newSession(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	f.driveInputs(t)

	if err := <-done; !errors.Is(err, hivehost.ErrRuntime) {
		t.Fatalf("Run() error = %v, want ErrRuntime", err)
	}
	if s.Reason() != FailLaunch {
		t.Errorf("reason = %v, want launch", s.Reason())
	}
	if !f.rt.called("remove cid-1") {
		t.Error("unstarted container was not removed")
	}
	n, _ := f.reg.Count(testUser)
	if n != 0 {
		t.Error("registry mutated on launch failure")
	}
}
