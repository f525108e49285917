package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"liveconsult/internal/models"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testProvider uint = 10
	testClient   uint = 20
	testOutsider uint = 99
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:liveconsult_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.Chat{}, &models.ChatSession{}, &models.ChatMessage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// fakeRelay is an in-memory media relay; failIssue makes IssueToken fail.
type fakeRelay struct {
	mu        sync.Mutex
	failIssue bool
	failRel   bool
	issued    []MediaToken
	released  []string
}

func (r *fakeRelay) IssueToken(ctx context.Context, channel string, userID uint) (*MediaToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIssue {
		return nil, errors.New("relay unavailable")
	}
	tok := MediaToken{
		Channel:   channel,
		UserID:    userID,
		Token:     fmt.Sprintf("%s-token-%d", channel, userID),
		AppID:     "app-test",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	r.issued = append(r.issued, tok)
	return &tok, nil
}

func (r *fakeRelay) ReleaseChannel(ctx context.Context, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, channel)
	if r.failRel {
		return errors.New("release failed")
	}
	return nil
}

func (r *fakeRelay) releasedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.released)
}

// fakeTransport records what the hub delivered to it.
type fakeTransport struct {
	id   string
	mu   sync.Mutex
	msgs []WebSocketMessage
}

func (f *fakeTransport) ConnID() string { return f.id }

func (f *fakeTransport) Deliver(msg WebSocketMessage) bool {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return true
}

// recordingBroadcaster captures service-side fan-out without a hub.
type recordingBroadcaster struct {
	mu      sync.Mutex
	session []WebSocketMessage
	direct  map[uint][]WebSocketMessage
	online  map[uint]bool
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{direct: map[uint][]WebSocketMessage{}, online: map[uint]bool{}}
}

func (b *recordingBroadcaster) BroadcastToSession(sessionID uint, msg WebSocketMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = append(b.session, msg)
}

func (b *recordingBroadcaster) SendToUser(userID uint, msg WebSocketMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[userID] = append(b.direct[userID], msg)
}

func (b *recordingBroadcaster) IsOnline(userID uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online[userID]
}

func (b *recordingBroadcaster) sessionEvents() []WebSocketMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]WebSocketMessage(nil), b.session...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	db       *gorm.DB
	sessions *SessionService
	messages *MessageService
	calls    *CallService
	relay    *fakeRelay
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	sessions := NewSessionService(db, log)
	relay := &fakeRelay{}
	calls := NewCallService(db, sessions, relay, log)
	t.Cleanup(calls.Close)
	return &testEnv{
		db:       db,
		sessions: sessions,
		messages: NewMessageService(db, sessions, log),
		calls:    calls,
		relay:    relay,
	}
}

// newSession creates a chat between testProvider and testClient and opens a
// session of the given type on it.
func (e *testEnv) newSession(t *testing.T, typ models.SessionType) *models.ChatSession {
	t.Helper()
	ctx := context.Background()
	chat, err := e.sessions.GetOrCreateChat(ctx, testProvider, testClient)
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}
	sess, _, err := e.sessions.CreateSession(ctx, chat.ID, testClient, typ, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

// ongoingChat returns a chat session both parties have joined.
func (e *testEnv) ongoingChat(t *testing.T) *models.ChatSession {
	t.Helper()
	sess := e.newSession(t, models.SessionTypeChat)
	ctx := context.Background()
	if _, err := e.sessions.RecordJoin(ctx, sess.ID, testClient); err != nil {
		t.Fatalf("RecordJoin client: %v", err)
	}
	joined, err := e.sessions.RecordJoin(ctx, sess.ID, testProvider)
	if err != nil {
		t.Fatalf("RecordJoin provider: %v", err)
	}
	return joined
}
