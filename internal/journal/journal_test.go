package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/shapetutor/shapetutor/pkg/types"
)

func outcome(i int) types.Outcome {
	return types.Outcome{
		SessionID: fmt.Sprintf("s-%d", i),
		Kind:      types.OutcomeConfirmed,
		Label:     "cube",
		Votes:     30 + i,
		Frames:    50,
		Language:  "en",
		Counts:    map[string]int{"cube": 30 + i, "cuboid": 20 - i},
		DecidedAt: time.Unix(1_700_000_000+int64(i), 0).UTC(),
	}
}

func TestMemory_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	m := NewMemory(3)
	ctx := context.Background()
	for i := range 5 {
		if err := m.Record(ctx, outcome(i)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got, err := m.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (capacity)", len(got))
	}
	for i, want := range []string{"s-4", "s-3", "s-2"} {
		if got[i].SessionID != want {
			t.Errorf("got[%d] = %s, want %s", i, got[i].SessionID, want)
		}
	}

	got, _ = m.Recent(ctx, 1)
	if len(got) != 1 || got[0].SessionID != "s-4" {
		t.Errorf("Recent(1) = %+v", got)
	}
}

func TestMemory_Closed(t *testing.T) {
	t.Parallel()

	m := NewMemory(0)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Record(context.Background(), outcome(0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Record after close = %v", err)
	}
	if err := m.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after close = %v", err)
	}
}

func TestMemory_Concurrent(t *testing.T) {
	t.Parallel()

	m := NewMemory(1000)
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Record(context.Background(), outcome(i))
		}()
	}
	wg.Wait()
	got, _ := m.Recent(context.Background(), 1000)
	if len(got) != 100 {
		t.Errorf("len = %d, want 100", len(got))
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "data", "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	for i := range 3 {
		if err := s.Record(ctx, outcome(i)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	inconclusive := types.Outcome{
		SessionID: "s-x",
		Kind:      types.OutcomeInconclusive,
		Votes:     20,
		Frames:    50,
		Reason:    "not confident enough",
		Language:  "es",
		DecidedAt: time.Unix(1_700_000_100, 0).UTC(),
	}
	if err := s.Record(ctx, inconclusive); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].SessionID != "s-x" || got[0].Kind != types.OutcomeInconclusive || got[0].Reason != "not confident enough" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[0].Counts != nil {
		t.Errorf("empty counts should read back as nil, got %v", got[0].Counts)
	}
	if !got[0].DecidedAt.Equal(inconclusive.DecidedAt) {
		t.Errorf("DecidedAt = %v", got[0].DecidedAt)
	}
	if got[1].SessionID != "s-2" || got[1].Counts["cube"] != 32 {
		t.Errorf("got[1] = %+v", got[1])
	}
}

// fakeConn records published messages.
type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	status   nats.Status
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return c.err
}

func (c *fakeConn) Status() nats.Status { return c.status }

func TestPublisher_PublishesAfterRecord(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{status: nats.CONNECTED}
	p := NewPublisher(NewMemory(10), conn, "")
	if err := p.Record(context.Background(), outcome(1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != DefaultSubject {
		t.Fatalf("subjects = %v", conn.subjects)
	}
	if got, _ := p.Recent(context.Background(), 5); len(got) != 1 {
		t.Errorf("inner store has %d outcomes", len(got))
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPublisher_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{err: errors.New("no responders"), status: nats.RECONNECTING}
	p := NewPublisher(NewMemory(10), conn, "custom.subject")
	if err := p.Record(context.Background(), outcome(1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if conn.subjects[0] != "custom.subject" {
		t.Errorf("subject = %q", conn.subjects[0])
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping should fail while NATS is reconnecting")
	}
}

func TestPublisher_InnerFailureSkipsPublish(t *testing.T) {
	t.Parallel()

	inner := NewMemory(1)
	inner.Close()
	conn := &fakeConn{status: nats.CONNECTED}
	p := NewPublisher(inner, conn, "")
	if err := p.Record(context.Background(), outcome(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if len(conn.subjects) != 0 {
		t.Error("published an outcome the store rejected")
	}
}

func TestConnectPublisher_NoServers(t *testing.T) {
	t.Parallel()

	if _, err := ConnectPublisher(NewMemory(1), nil, ""); err == nil {
		t.Fatal("expected error")
	}
}
