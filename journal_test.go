package eventflow_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/aneshas/eventflow"
)

var integration = flag.Bool("integration", false, "perform integration tests")

type SomeEvent struct {
	UserID string
}

func TestShouldReadAppendedEnvelopes(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	evts := []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-2"}},
	}

	ctx := context.Background()
	entity := "some-entity"
	meta := map[string]string{
		"ip": "127.0.0.1",
	}

	appended, err := j.AppendTransaction(
		ctx, nil, entity, 0, evts,
		eventflow.WithMetaData(meta),
		eventflow.WithUserID("user-1"),
	)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(appended) != 3 {
		t.Fatalf("should have appended 3 envelopes. actual: %d", len(appended))
	}

	var got []eventflow.Envelope

	for envelope, err := range j.LoadEvents(ctx, entity) {
		if err != nil {
			t.Fatalf("error: %v", err)
		}

		got = append(got, envelope)
	}

	if len(got) != 3 {
		t.Fatalf("should have read 3 envelopes. actual: %d", len(got))
	}

	for i, envelope := range got {
		if !reflect.DeepEqual(envelope.Event, evts[i].Event) ||
			!reflect.DeepEqual(envelope.Meta, meta) ||
			envelope.Type != "SomeEvent" {

			t.Fatal("envelopes not read")
		}

		if envelope.Sequence != uint64(i+1) {
			t.Fatalf("sequence numbers should be contiguous. actual: %d", envelope.Sequence)
		}

		if envelope.TransactionID != got[0].TransactionID ||
			envelope.TotalInTx != 3 ||
			envelope.IndexInTx != i {

			t.Fatal("transaction grouping not recorded")
		}

		if envelope.UserID == nil || *envelope.UserID != "user-1" {
			t.Fatal("acting user not recorded")
		}
	}
}

func TestShouldAppendToExistingEntity(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	evts := []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-2"}},
	}

	ctx := context.Background()
	entity := "some-entity"

	_, err := j.AppendTransaction(ctx, nil, entity, 0, evts)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = j.AppendTransaction(ctx, nil, entity, 3, evts)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
}

func TestShouldWriteToDifferentEntities(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	evts := []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
	}

	ctx := context.Background()

	_, err := j.AppendTransaction(ctx, nil, "entity-one", 0, evts)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = j.AppendTransaction(ctx, nil, "entity-two", 0, evts)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
}

func TestOptimisticConcurrencyCheckIsPerformed(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	evts := []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
	}

	ctx := context.Background()
	entity := "some-entity"

	_, err := j.AppendTransaction(ctx, nil, entity, 0, evts)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = j.AppendTransaction(ctx, nil, entity, 0, evts)

	if !errors.Is(err, eventflow.ErrConflict) {
		t.Fatalf("should have performed optimistic concurrency check. actual: %v", err)
	}
}

func TestLoadEventsYieldsNothingForUnknownEntity(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	for _, err := range j.LoadEvents(context.Background(), "foo-entity") {
		if err != nil {
			t.Fatalf("error: %v", err)
		}

		t.Fatal("unknown entity should yield an empty history")
	}
}

func TestScopeRollbackDiscardsAppendedEnvelopes(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	ctx := context.Background()
	entity := "some-entity"

	scope, err := j.Begin(ctx)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = j.AppendTransaction(ctx, scope, entity, 0, []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if err := scope.Rollback(); err != nil {
		t.Fatalf("error: %v", err)
	}

	for range j.LoadEvents(ctx, entity) {
		t.Fatal("rolled back envelopes should not be visible")
	}
}

func TestScopeCommitMakesEnvelopesVisible(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	ctx := context.Background()
	entity := "some-entity"

	scope, err := j.Begin(ctx)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = j.AppendTransaction(ctx, scope, entity, 0, []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if err := scope.Commit(); err != nil {
		t.Fatalf("error: %v", err)
	}

	var count int

	for _, err := range j.LoadEvents(ctx, entity) {
		if err != nil {
			t.Fatalf("error: %v", err)
		}

		count++
	}

	if count != 2 {
		t.Fatalf("committed envelopes should be visible. actual: %d", count)
	}
}

func TestLoadAllEventsReadsAcrossEntities(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	ctx := context.Background()

	_, err := j.AppendTransaction(ctx, nil, "entity-one", 0, []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	_, err = j.AppendTransaction(ctx, nil, "entity-two", 0, []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-3"}},
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	var got []eventflow.Envelope

	for envelope, err := range j.LoadAllEvents(ctx, 0) {
		if err != nil {
			t.Fatalf("error: %v", err)
		}

		got = append(got, envelope)
	}

	if len(got) != 3 {
		t.Fatalf("should have read 3 envelopes. actual: %d", len(got))
	}

	// Resuming after the cursor of the second envelope yields only the third
	var rest []eventflow.Envelope

	for envelope, err := range j.LoadAllEvents(ctx, got[1].GlobalSeq) {
		if err != nil {
			t.Fatalf("error: %v", err)
		}

		rest = append(rest, envelope)
	}

	if len(rest) != 1 || rest[0].GlobalSeq != got[2].GlobalSeq {
		t.Fatal("should have resumed from the cursor")
	}
}

func TestUnpublishedEnvelopesAreMarkedInOrder(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	ctx := context.Background()

	_, err := j.AppendTransaction(ctx, nil, "some-entity", 0, []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-3"}},
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	batch, err := j.Unpublished(ctx, 10)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(batch) != 3 {
		t.Fatalf("all envelopes should start out unpublished. actual: %d", len(batch))
	}

	for i := 1; i < len(batch); i++ {
		if batch[i].GlobalSeq <= batch[i-1].GlobalSeq {
			t.Fatal("unpublished envelopes should be ordered by global cursor")
		}
	}

	// Mark the acknowledged prefix only
	err = j.MarkPublished(ctx, batch[0].GlobalSeq, batch[1].GlobalSeq)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	batch, err = j.Unpublished(ctx, 10)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(batch) != 1 || batch[0].Event.(SomeEvent).UserID != "user-3" {
		t.Fatal("marked envelopes should not be returned again")
	}

	// Marking twice is a no-op
	err = j.MarkPublished(ctx, batch[0].GlobalSeq, batch[0].GlobalSeq)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	batch, err = j.Unpublished(ctx, 10)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if len(batch) != 0 {
		t.Fatalf("outbox should be drained. actual: %d", len(batch))
	}
}

func TestSubscribeAllWithCursorCatchesUpToNewEnvelopes(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	evts := []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-2"}},
	}

	ctx := context.Background()

	_, err := j.AppendTransaction(ctx, nil, "entity-one", 0, evts)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := j.SubscribeAll(
		ctx,
		eventflow.WithCursor(1),
		eventflow.WithPollInterval(50*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}

	defer sub.Close()

	got := readAllSub(t, sub, 2)

	if len(got) != 2 {
		t.Fatalf("should have read 2 envelopes. actual: %d", len(got))
	}

	_, err = j.AppendTransaction(ctx, nil, "entity-two", 0, []eventflow.EventToAppend{
		{Event: SomeEvent{UserID: "user-1"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-2"}},
		{Event: SomeEvent{UserID: "user-2"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got = readAllSub(t, sub, 4)

	if len(got) != 4 {
		t.Fatalf("should have read 4 envelopes. actual: %d", len(got))
	}
}

func readAllSub(t *testing.T, sub eventflow.Subscription, expect int) []eventflow.Envelope {
	var got []eventflow.Envelope

outer:
	for {
		select {
		case envelope := <-sub.Envelopes:
			got = append(got, envelope)

		case err := <-sub.Err:
			if err != nil {
				if errors.Is(err, io.EOF) {
					if len(got) < expect {
						break
					}

					break outer
				}

				t.Fatal(err)
			}
		}
	}

	return got
}

func TestSubscribeAllCancelsSubscriptionOnContextCancel(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)

	_ = cancel

	sub, _ := j.SubscribeAll(ctx)

	timeout := time.After(2 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatal("subscription should have been closed")
		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				break
			}

			return
		}
	}
}

func TestSubscribeAllCancelsSubscriptionWithClose(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	j, cleanup := journal(t)

	defer cleanup()

	sub, _ := j.SubscribeAll(context.Background())

	go func() {
		time.Sleep(time.Second)

		sub.Close()
	}()

	timeout := time.After(2 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatal("subscription should have been closed")
		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				break
			}

			if !errors.Is(err, eventflow.ErrSubscriptionClosedByClient) {
				t.Fatal("incorrect subscription cancel error")
			}

			return
		}
	}
}

type codecStub struct {
	encode func(any) (*eventflow.EncodedEvent, error)
	decode func(*eventflow.EncodedEvent) (any, error)
}

func (c codecStub) Encode(evt any) (*eventflow.EncodedEvent, error) {
	return c.encode(evt)
}

func (c codecStub) Decode(evt *eventflow.EncodedEvent) (any, error) {
	return c.decode(evt)
}

func TestCodecEncodeErrorsPropagated(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	var anErr = fmt.Errorf("an error occurred")

	c := codecStub{
		encode: func(any) (*eventflow.EncodedEvent, error) { return nil, anErr },
	}

	j, cleanup := journalWithCodec(t, c)

	defer cleanup()

	_, err := j.AppendTransaction(
		context.Background(), nil, "entity", 0,
		[]eventflow.EventToAppend{
			{Event: SomeEvent{UserID: "123"}},
		},
	)

	if !errors.Is(err, anErr) {
		t.Fatal("error should have been propagated")
	}
}

func TestCodecDecodeErrorsPropagated(t *testing.T) {
	if !*integration {
		t.Skip("skipping integration tests")
	}

	var anErr = fmt.Errorf("an error occurred")

	c := codecStub{
		encode: func(any) (*eventflow.EncodedEvent, error) {
			return &eventflow.EncodedEvent{
				Data: "malformed-json",
				Type: "foo",
			}, nil
		},
		decode: func(*eventflow.EncodedEvent) (any, error) {
			return nil, anErr
		},
	}

	j, cleanup := journalWithCodec(t, c)

	defer cleanup()

	_, err := j.AppendTransaction(
		context.Background(), nil, "entity", 0,
		[]eventflow.EventToAppend{
			{Event: SomeEvent{UserID: "123"}},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	for _, err := range j.LoadEvents(context.Background(), "entity") {
		if !errors.Is(err, anErr) {
			t.Fatal("error should have been propagated")
		}

		return
	}

	t.Fatal("iterator should have yielded the decode error")
}

func TestOpenCodecMustBeProvided(t *testing.T) {
	_, err := eventflow.Open(nil, eventflow.WithSQLiteDB("foo"))
	if err == nil {
		t.Fatal("codec must be provided")
	}
}

func TestOpenStorageMustBeProvided(t *testing.T) {
	_, err := eventflow.Open(eventflow.NewJSONCodec())
	if err == nil {
		t.Fatal("storage must be provided")
	}
}

func TestAppendTransactionValidation(t *testing.T) {
	j := eventflow.Journal{}

	_, err := j.AppendTransaction(
		context.Background(), nil, "", 0,
		[]eventflow.EventToAppend{
			{Event: SomeEvent{UserID: "user-123"}},
		},
	)
	if err == nil {
		t.Fatal("entity id should be validated")
	}
}

func TestAppendTransactionWithNoEventsIsANoOp(t *testing.T) {
	j := eventflow.Journal{}

	envelopes, err := j.AppendTransaction(context.Background(), nil, "entity", 0, nil)
	if err != nil {
		t.Fatalf("error: %v", err)
	}

	if envelopes != nil {
		t.Fatal("empty transactions should append nothing")
	}
}

func TestSubscribeAllMinimumBatchSize(t *testing.T) {
	j := eventflow.Journal{}

	_, err := j.SubscribeAll(context.Background(), eventflow.WithBatchSize(-1))
	if err == nil {
		t.Fatal("minimum batch size should have been validated")
	}
}

func TestUnpublishedMinimumBatchLimit(t *testing.T) {
	j := eventflow.Journal{}

	_, err := j.Unpublished(context.Background(), 0)
	if err == nil {
		t.Fatal("minimum batch limit should have been validated")
	}
}

func journal(t *testing.T) (*eventflow.Journal, func()) {
	return journalWithCodec(t, eventflow.NewJSONCodec(SomeEvent{}))
}

func journalWithCodec(t *testing.T, codec eventflow.Codec) (*eventflow.Journal, func()) {
	j, err := eventflow.Open(codec, eventflow.WithSQLiteDB("file::memory:?cache=shared"))
	if err != nil {
		t.Fatalf("error opening journal: %v", err)
	}

	return j, func() {
		err := j.Close()
		if err != nil {
			t.Fatal(err)
		}
	}
}
