package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/storage/memtest"
)

type fakeProvider struct {
	completeErr  error
	completeResp *Response
	streamErr    error
	calls        int
}

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	f.calls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.completeResp, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *Request) (Streamer, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return nil, nil
}

func TestPoolFailsOverToNextProviderOnError(t *testing.T) {
	primary := &fakeProvider{completeErr: errors.New("unavailable")}
	secondary := &fakeProvider{completeResp: &Response{StopReason: "end_turn"}}

	store := memtest.New()
	b := bus.NewBus(16)
	sub := b.Subscribe(bus.Topic{Kind: bus.TopicGlobal, Value: "global"})
	defer sub.Close()

	pool := NewPool([]Entry{
		{Name: "primary", Priority: 0, Provider: primary},
		{Name: "secondary", Priority: 1, Provider: secondary},
	}, store, b, nil)

	resp, err := pool.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, "end_turn", resp.StopReason)
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 1, secondary.calls)

	select {
	case ev := <-sub.C:
		require.Equal(t, bus.KindProviderFailover, ev.Kind)
	default:
		t.Fatal("expected a provider_failover event")
	}
}

func TestPoolOrdersByPriorityAscending(t *testing.T) {
	low := &fakeProvider{completeResp: &Response{StopReason: "low"}}
	high := &fakeProvider{completeResp: &Response{StopReason: "high"}}

	pool := NewPool([]Entry{
		{Name: "high-priority-number", Priority: 5, Provider: low},
		{Name: "low-priority-number", Priority: 0, Provider: high},
	}, memtest.New(), nil, nil)

	resp, err := pool.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, "high", resp.StopReason)
	require.Equal(t, 0, low.calls)
	require.Equal(t, 1, high.calls)
}

func TestPoolSkipsOpenBreakerAndReturnsExhaustedWhenAllOpen(t *testing.T) {
	failing := &fakeProvider{completeErr: errors.New("down")}

	pool := NewPool([]Entry{{Name: "only", Priority: 0, Provider: failing}}, memtest.New(), nil, nil)

	for i := 0; i < breakerTripAfter; i++ {
		_, err := pool.Complete(context.Background(), &Request{})
		require.Error(t, err)
	}

	_, err := pool.Complete(context.Background(), &Request{})
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestDefaultTokenEstimatorCountsTextParts(t *testing.T) {
	req := &Request{Messages: []*Message{
		{Role: RoleUser, Parts: []Part{TextPart{Text: "12345678"}}},
	}}
	require.Equal(t, 2, DefaultTokenEstimator(req))
}
