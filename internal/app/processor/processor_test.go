package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/infra/replication"
)

type fakeStream struct {
	changes chan replication.Change

	mu     sync.Mutex
	err    error
	acked  []int64
	closed bool
}

func (s *fakeStream) Changes() <-chan replication.Change { return s.changes }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Ack(change replication.Change) {
	s.mu.Lock()
	s.acked = append(s.acked, change.Record.ID)
	s.mu.Unlock()
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// script describes one Open call: either an open error or a stream that
// yields changes and then fails with end (or stays open until cancelled).
type script struct {
	openErr error
	changes []replication.Change
	end     error
	// finish closes the stream without an error after the changes.
	finish bool
}

type fakeSource struct {
	mu      sync.Mutex
	scripts []script
	// pending serves records not yet acked on every open once scripts run out.
	pending []replication.Change
	opens   int
	streams []*fakeStream
}

func (f *fakeSource) Open(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	f.opens++
	var sc script
	if len(f.scripts) > 0 {
		sc = f.scripts[0]
		f.scripts = f.scripts[1:]
	} else {
		sc = script{changes: f.unackedLocked()}
	}
	f.mu.Unlock()

	if sc.openErr != nil {
		return nil, sc.openErr
	}
	stream := &fakeStream{changes: make(chan replication.Change)}
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	go func() {
		defer close(stream.changes)
		for _, change := range sc.changes {
			select {
			case stream.changes <- change:
			case <-ctx.Done():
				return
			}
		}
		if sc.end != nil {
			stream.mu.Lock()
			stream.err = sc.end
			stream.mu.Unlock()
			return
		}
		if sc.finish {
			return
		}
		<-ctx.Done()
	}()
	return stream, nil
}

func (f *fakeSource) unackedLocked() []replication.Change {
	acked := make(map[int64]bool)
	for _, s := range f.streams {
		for _, id := range s.ackedIDs() {
			acked[id] = true
		}
	}
	var out []replication.Change
	for _, change := range f.pending {
		if !acked[change.Record.ID] {
			out = append(out, change)
		}
	}
	return out
}

func (s *fakeStream) ackedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acked...)
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSource) allAcked() []int64 {
	f.mu.Lock()
	streams := append([]*fakeStream(nil), f.streams...)
	f.mu.Unlock()
	var out []int64
	for _, s := range streams {
		out = append(out, s.ackedIDs()...)
	}
	return out
}

type recordingConsumer struct {
	mu   sync.Mutex
	seen []int64
	fn   func(outbox.Record) error
}

func (c *recordingConsumer) Consume(_ context.Context, record outbox.Record) error {
	c.mu.Lock()
	c.seen = append(c.seen, record.ID)
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		return fn(record)
	}
	return nil
}

func (c *recordingConsumer) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seen...)
}

func change(id int64, eventType string, pos replication.LSN) replication.Change {
	return replication.Change{
		Record:   outbox.Record{ID: id, EventType: eventType, Payload: []byte(`{"teamId":1}`)},
		XID:      700,
		Position: pos,
	}
}

func sampleTransaction() []replication.Change {
	return []replication.Change{
		change(101, "GitClub.Messages.TeamCreatedMessage", 0),
		change(102, "GitClub.Messages.TeamCreatedMessage", 0),
		change(103, "GitClub.Messages.RepositoryCreatedMessage", 0x16B3748),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func startProcessor(t *testing.T, p *Processor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
		return nil
	}
}

func TestProcessorDeliversSampleTransactionInOrder(t *testing.T) {
	source := &fakeSource{scripts: []script{{changes: sampleTransaction()}}}
	consumer := &recordingConsumer{}
	p, err := New(source, consumer, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, done := startProcessor(t, p)

	waitFor(t, "three acks", func() bool { return len(source.allAcked()) == 3 })
	if got := consumer.ids(); !equalIDs(got, []int64{101, 102, 103}) {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if got := source.allAcked(); !equalIDs(got, []int64{101, 102, 103}) {
		t.Fatalf("unexpected ack order %v", got)
	}
	if p.State() != Streaming {
		t.Fatalf("expected streaming, got %s", p.State())
	}

	cancel()
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if p.State() != Stopped {
		t.Fatalf("expected stopped after run, got %s", p.State())
	}
	if !source.streams[0].closed {
		t.Fatalf("expected stream closed on exit")
	}
	stats := p.Stats()
	if stats.Delivered != 3 || stats.ConsumerFailures != 0 || stats.LastRecordID != 103 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestProcessorIsolatesConsumerErrorsAndPanics(t *testing.T) {
	changes := []replication.Change{
		change(101, "a", 0), change(102, "b", 0), change(103, "c", 0), change(104, "d", 0x20),
	}
	source := &fakeSource{scripts: []script{{changes: changes}}}
	consumer := &recordingConsumer{fn: func(r outbox.Record) error {
		switch r.ID {
		case 102:
			return errors.New("handler rejected record")
		case 103:
			panic("boom")
		}
		return nil
	}}
	p, err := New(source, consumer, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, done := startProcessor(t, p)

	waitFor(t, "four acks", func() bool { return len(source.allAcked()) == 4 })
	if got := consumer.ids(); !equalIDs(got, []int64{101, 102, 103, 104}) {
		t.Fatalf("consumer failures must not stop delivery, got %v", got)
	}
	if got := p.Stats().ConsumerFailures; got != 2 {
		t.Fatalf("expected two consumer failures, got %d", got)
	}
	if source.openCount() != 1 {
		t.Fatalf("consumer failures must not recycle the stream under AckOnDelivery")
	}
	cancel()
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestProcessorReopensAfterStreamFailure(t *testing.T) {
	network := errs.New("replication", errs.CodeNetwork, errs.WithCanonicalCode(errs.CanonicalConnectionFailed))
	source := &fakeSource{
		scripts: []script{
			{openErr: network},
			{changes: []replication.Change{change(101, "a", 0x10)}, end: network},
		},
		pending: []replication.Change{change(101, "a", 0x10), change(102, "b", 0x20)},
	}
	consumer := &recordingConsumer{}
	p, err := New(source, consumer, nil, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, done := startProcessor(t, p)

	waitFor(t, "record 102", func() bool { return len(consumer.ids()) == 2 })
	if got := consumer.ids(); !equalIDs(got, []int64{101, 102}) {
		t.Fatalf("expected acked records not to be redelivered, got %v", got)
	}
	if got := source.openCount(); got != 3 {
		t.Fatalf("expected three opens, got %d", got)
	}
	if got := p.Stats().Reconnects; got != 2 {
		t.Fatalf("expected two reconnects, got %d", got)
	}
	if p.Stats().LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	cancel()
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestProcessorReopensWhenStreamEndsWithoutError(t *testing.T) {
	source := &fakeSource{scripts: []script{{finish: true}}}
	p, err := New(source, &recordingConsumer{}, nil, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, done := startProcessor(t, p)
	waitFor(t, "reopen", func() bool { return source.openCount() >= 2 })
	if !strings.Contains(p.Stats().LastError, "replication stream ended") {
		t.Fatalf("expected the ended stream to be recorded as an error, got %q", p.Stats().LastError)
	}
	cancel()
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestProcessorStopsOnConfigurationError(t *testing.T) {
	missing := errs.New("replication", errs.CodeConfiguration,
		errs.WithCanonicalCode(errs.CanonicalPublicationMissing),
		errs.WithMessage("publication does not exist"))
	source := &fakeSource{scripts: []script{{openErr: missing}}}
	p, err := New(source, &recordingConsumer{}, nil, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, done := startProcessor(t, p)
	runErr := awaitRun(t, done)
	if errs.CanonicalOf(runErr) != errs.CanonicalPublicationMissing {
		t.Fatalf("expected publication missing error, got %v", runErr)
	}
	if source.openCount() != 1 {
		t.Fatalf("configuration errors must not be retried")
	}
	if p.State() != Stopped {
		t.Fatalf("expected stopped, got %s", p.State())
	}
}

func TestProcessorAckOnSuccessRedeliversFailedRecord(t *testing.T) {
	pending := []replication.Change{change(101, "a", 0x10), change(102, "b", 0x20)}
	source := &fakeSource{pending: pending}
	var attempts int
	consumer := &recordingConsumer{fn: func(r outbox.Record) error {
		if r.ID == 101 {
			attempts++
			if attempts == 1 {
				return errors.New("transient")
			}
		}
		return nil
	}}
	p, err := New(source, consumer, nil, WithAckPolicy(AckOnSuccess), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, done := startProcessor(t, p)

	waitFor(t, "both records acked", func() bool { return len(source.allAcked()) == 2 })
	if got := consumer.ids(); !equalIDs(got, []int64{101, 101, 102}) {
		t.Fatalf("expected 101 redelivered before 102, got %v", got)
	}
	if got := source.allAcked(); !equalIDs(got, []int64{101, 102}) {
		t.Fatalf("failed delivery must not be acked, got %v", got)
	}
	if got := source.openCount(); got != 2 {
		t.Fatalf("expected the stream to be recycled once, got %d opens", got)
	}
	cancel()
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestProcessorCancelledDuringBackoff(t *testing.T) {
	source := &fakeSource{scripts: []script{{openErr: errors.New("refused")}}}
	p, err := New(source, &recordingConsumer{}, nil, WithRetryDelay(time.Hour))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel, done := startProcessor(t, p)
	waitFor(t, "recovering", func() bool { return p.State() == Recovering })
	cancel()
	if err := awaitRun(t, done); err != nil {
		t.Fatalf("cancellation during backoff must not be an error: %v", err)
	}
}

func TestNewRequiresSourceAndConsumer(t *testing.T) {
	if _, err := New(nil, &recordingConsumer{}, nil); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error for nil source, got %v", err)
	}
	if _, err := New(&fakeSource{}, nil, nil); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error for nil consumer, got %v", err)
	}
}

func TestExponentialBackoffGrowsAndResets(t *testing.T) {
	p, err := New(&fakeSource{}, &recordingConsumer{}, nil,
		WithExponentialBackoff(10*time.Millisecond, 40*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var last time.Duration
	for i := 0; i < 6; i++ {
		last = p.backoff.NextBackOff()
		if last <= 0 || last > 60*time.Millisecond {
			t.Fatalf("delay %s outside jittered bounds", last)
		}
	}
	p.backoff.Reset()
	if first := p.backoff.NextBackOff(); first > 15*time.Millisecond {
		t.Fatalf("expected reset to restore the initial interval, got %s", first)
	}
}

func TestParseAckPolicy(t *testing.T) {
	cases := map[string]AckPolicy{
		"":            AckOnDelivery,
		"on_delivery": AckOnDelivery,
		"ON_SUCCESS":  AckOnSuccess,
		" success ":   AckOnSuccess,
	}
	for in, want := range cases {
		got, err := ParseAckPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseAckPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseAckPolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestProcessorStopsDispatchingBufferedChangesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &fakeStream{changes: make(chan replication.Change, 50)}
	for id := int64(1); id <= 50; id++ {
		stream.changes <- change(id, "GitClub.Messages.TeamCreatedMessage", replication.LSN(id))
	}
	close(stream.changes)
	source := SourceFunc(func(context.Context) (Stream, error) { return stream, nil })

	var (
		mu        sync.Mutex
		calls     int
		cancelled int
	)
	consumer := outbox.ConsumerFunc(func(callCtx context.Context, record outbox.Record) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if callCtx.Err() != nil {
			cancelled++
		}
		if record.ID == 1 {
			cancel()
		}
		return nil
	})

	p, err := New(source, consumer, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Run(ctx); err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || cancelled != 0 {
		t.Fatalf("expected dispatch to stop after cancellation, got calls=%d cancelled=%d", calls, cancelled)
	}
	if acked := stream.ackedIDs(); !equalIDs(acked, []int64{1}) {
		t.Fatalf("expected only the consumed record to be acked, got %v", acked)
	}
	if p.State() != Stopped {
		t.Fatalf("expected stopped state, got %s", p.State())
	}
}
