package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskora/chatcore/internal/chat"
)

// fakeSender scripts per-attempt results.
type fakeSender struct {
	mu    sync.Mutex
	errs  []error // consumed per call; nil entry = success
	calls int
}

func (f *fakeSender) SendMessage(_ context.Context, chatID, authorID, body, replyToID string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	if err != nil {
		return nil, err
	}
	return &chat.Message{
		ID: fmt.Sprintf("srv-%d", f.calls), ChatID: chatID, AuthorID: authorID,
		Body: body, ReplyToID: replyToID, CreatedAt: time.Now().UnixMilli(),
	}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingTimeline captures the engine's effects.
type recordingTimeline struct {
	mu        sync.Mutex
	pending   []chat.Message
	confirmed map[string]*chat.Message
	failed    []string
}

func newRecordingTimeline() *recordingTimeline {
	return &recordingTimeline{confirmed: make(map[string]*chat.Message)}
}

func (r *recordingTimeline) AddPending(m *chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, *m)
}

func (r *recordingTimeline) ConfirmPending(clientID string, confirmed *chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed[clientID] = confirmed
}

func (r *recordingTimeline) FailPending(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, clientID)
}

func persistErr() error {
	return fmt.Errorf("store down: %w", chat.ErrPersistence)
}

func validationErr() error {
	return fmt.Errorf("too long: %w", chat.ErrValidation)
}

func TestSendRendersPendingImmediately(t *testing.T) {
	// A sender that never responds within the test must not delay the
	// pending insert.
	blocked := make(chan struct{})
	sender := &blockingSender{release: blocked}
	defer close(blocked)

	tl := newRecordingTimeline()
	e := New("c1", "u1", sender, tl, Options{})

	clientID := e.Send(context.Background(), "Hello", "")

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.pending) != 1 {
		t.Fatalf("pending = %d, want 1 before network resolves", len(tl.pending))
	}
	p := tl.pending[0]
	if !p.Pending || p.ClientID != clientID || p.Body != "Hello" || p.AuthorID != "u1" {
		t.Errorf("pending entry = %+v", p)
	}
}

type blockingSender struct {
	release chan struct{}
}

func (b *blockingSender) SendMessage(ctx context.Context, chatID, authorID, body, replyToID string) (*chat.Message, error) {
	<-b.release
	return nil, persistErr()
}

func TestSendConfirms(t *testing.T) {
	sender := &fakeSender{}
	tl := newRecordingTimeline()
	e := New("c1", "u1", sender, tl, Options{})

	clientID := e.Send(context.Background(), "Hello", "")
	e.Wait()

	tl.mu.Lock()
	defer tl.mu.Unlock()
	msg := tl.confirmed[clientID]
	if msg == nil {
		t.Fatal("send not confirmed")
	}
	if msg.Body != "Hello" || msg.ID == "" {
		t.Errorf("confirmed = %+v", msg)
	}
	if len(tl.failed) != 0 {
		t.Errorf("unexpected failures: %v", tl.failed)
	}
}

func TestRetryableErrorRetriesBounded(t *testing.T) {
	sender := &fakeSender{errs: []error{persistErr(), persistErr(), nil}}
	tl := newRecordingTimeline()
	e := New("c1", "u1", sender, tl, Options{Retries: 3, Backoff: time.Millisecond})

	clientID := e.Send(context.Background(), "Hello", "")
	e.Wait()

	if sender.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", sender.callCount())
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.confirmed[clientID] == nil {
		t.Error("send not confirmed after retries")
	}
}

func TestRetriesExhaustedFails(t *testing.T) {
	sender := &fakeSender{errs: []error{persistErr(), persistErr(), persistErr()}}
	tl := newRecordingTimeline()
	e := New("c1", "u1", sender, tl, Options{Retries: 2, Backoff: time.Millisecond})

	clientID := e.Send(context.Background(), "Hello", "")
	e.Wait()

	if sender.callCount() != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", sender.callCount())
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.failed) != 1 || tl.failed[0] != clientID {
		t.Errorf("failed = %v, want [%s]", tl.failed, clientID)
	}
}

func TestValidationErrorFailsWithoutRetry(t *testing.T) {
	sender := &fakeSender{errs: []error{validationErr()}}
	tl := newRecordingTimeline()
	e := New("c1", "u1", sender, tl, Options{Retries: 5, Backoff: time.Millisecond})

	e.Send(context.Background(), "", "")
	e.Wait()

	if sender.callCount() != 1 {
		t.Errorf("attempts = %d, want 1 (non-retryable)", sender.callCount())
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.failed) != 1 {
		t.Errorf("failed = %v, want one visible failure", tl.failed)
	}
}

// A send in flight survives cancellation of the submitting context: view
// navigation must not abort it or crash anything.
func TestSendSurvivesCallerCancellation(t *testing.T) {
	sender := &fakeSender{}
	tl := newRecordingTimeline()
	e := New("c1", "u1", sender, tl, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clientID := e.Send(ctx, "Hello", "")
	e.Wait()

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.confirmed[clientID] == nil {
		t.Error("send aborted by caller cancellation")
	}
}
