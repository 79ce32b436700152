package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CallsHandler(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []byte("k"), gotK)
	require.Equal(t, []byte("v"), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStopsAfterRetries(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v"), Offset: 7}}}
	c := newConsumerWithReader(fr).WithRetry(3, 0)

	want := errors.New("handler failed")
	calls := 0
	err := c.Consume(context.Background(), func(k, v []byte) error {
		calls++
		return want
	})
	require.ErrorIs(t, err, want)
	require.Contains(t, err.Error(), "offset=7")
	require.Equal(t, 3, calls)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_RetrySucceeds(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr).WithRetry(3, time.Millisecond)

	calls := 0
	err := c.Consume(context.Background(), func(k, v []byte) error {
		calls++
		if calls < 2 {
			return errors.New("db down")
		}
		return nil
	})
	require.EqualError(t, err, "fetch message: stop")
	require.Equal(t, 2, calls)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fr := &fakeReader{err: context.Canceled}
	c := newConsumerWithReader(fr)

	err := c.Consume(ctx, func(k, v []byte) error { return nil })
	require.NoError(t, err)
}

func TestConsumer_Consume_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr).WithRetry(5, time.Hour)

	err := c.Consume(ctx, func(k, v []byte) error {
		cancel()
		return errors.New("fail")
	})
	require.NoError(t, err)
	require.Empty(t, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "order.status_changed", "order-api")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
