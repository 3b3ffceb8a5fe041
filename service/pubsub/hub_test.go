package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	joined []Topic
	left   []Topic
}

func (o *recordingObserver) TopicJoined(t Topic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, t)
}

func (o *recordingObserver) TopicLeft(t Topic) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, t)
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestTopic(t *testing.T) {
	topic := AddressTopic("Wallet111")
	assert.Equal(t, Topic("address:Wallet111"), topic)

	addr, ok := topic.Address()
	assert.True(t, ok)
	assert.Equal(t, "Wallet111", addr)
	assert.Equal(t, "address_Wallet111", topic.Token())

	_, ok = GlobalTopic.Address()
	assert.False(t, ok)
	assert.Equal(t, "global", GlobalTopic.Token())

	_, ok = Topic("address:").Address()
	assert.False(t, ok)
}

func TestHub_PublishDeliversInOrder(t *testing.T) {
	hub := NewHub(HubOptions{}, nil, nil)
	defer hub.Close()
	ctx := context.Background()

	sub := hub.Subscribe(AddressTopic("W"))
	other := hub.Subscribe(AddressTopic("X"))

	for _, typ := range []string{EventTransaction, EventBalance, EventEarnings} {
		require.NoError(t, hub.Publish(ctx, AddressTopic("W"), typ, map[string]string{"k": typ}))
	}

	assert.Equal(t, EventTransaction, receive(t, sub).Type)
	assert.Equal(t, EventBalance, receive(t, sub).Type)
	e := receive(t, sub)
	assert.Equal(t, EventEarnings, e.Type)
	assert.Equal(t, AddressTopic("W"), e.Topic)
	assert.NotEmpty(t, e.ID)
	assert.JSONEq(t, `{"k":"earnings"}`, string(e.Data))

	select {
	case e := <-other.Events():
		t.Fatalf("unexpected event on other topic: %+v", e)
	default:
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(HubOptions{}, nil, nil)
	defer hub.Close()
	assert.NoError(t, hub.Publish(context.Background(), GlobalTopic, EventLeaderboard, LeaderboardPayload{}))
}

func TestHub_DropsFullSubscriber(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(HubOptions{Buffer: 1, Observer: obs}, nil, nil)
	defer hub.Close()
	ctx := context.Background()

	slow := hub.Subscribe(GlobalTopic)
	fast := hub.Subscribe(GlobalTopic)

	require.NoError(t, hub.Publish(ctx, GlobalTopic, EventLeaderboard, 1))
	receive(t, fast)
	require.NoError(t, hub.Publish(ctx, GlobalTopic, EventLeaderboard, 2))

	// slow never drained its single slot, so the second publish drops it.
	assert.Equal(t, 1, hub.SubscriberCount(GlobalTopic))
	first := receive(t, slow)
	assert.JSONEq(t, "1", string(first.Data))
	_, ok := <-slow.Events()
	assert.False(t, ok, "dropped subscription should be closed")

	assert.JSONEq(t, "2", string(receive(t, fast).Data))
	assert.Empty(t, obs.left, "topic still has a subscriber")
}

func TestHub_ObserverJoinLeave(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(HubOptions{Observer: obs}, nil, nil)
	defer hub.Close()

	a := hub.Subscribe(AddressTopic("W"))
	b := hub.Subscribe(AddressTopic("W"))
	assert.Equal(t, []Topic{AddressTopic("W")}, obs.joined)

	hub.Unsubscribe(a)
	assert.Empty(t, obs.left)
	hub.Unsubscribe(b)
	hub.Unsubscribe(b)
	assert.Equal(t, []Topic{AddressTopic("W")}, obs.left)
	assert.Empty(t, hub.Topics())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(HubOptions{}, nil, nil)
	sub := hub.Subscribe(GlobalTopic)
	hub.Close()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	err := hub.Publish(context.Background(), GlobalTopic, EventLeaderboard, nil)
	assert.ErrorIs(t, err, ErrHubClosed)

	late := hub.Subscribe(GlobalTopic)
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 4}, nil, nil)
	defer hub.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe(GlobalTopic)
			for j := 0; j < 20; j++ {
				_ = hub.Publish(ctx, GlobalTopic, EventLeaderboard, j)
			}
			hub.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.SubscriberCount(GlobalTopic))
}

func TestTransactionPayload_JSON(t *testing.T) {
	bt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := TransactionPayload{
		Signature:   "sig",
		FromAddress: "S",
		ToAddress:   "W",
		Amount:      decimal.RequireFromString("1.5"),
		AmountUSD:   decimal.RequireFromString("225.00"),
		Direction:   "IN",
		BlockTime:   &bt,
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"signature": "sig",
		"fromAddress": "S",
		"toAddress": "W",
		"amount": "1.5",
		"amountUSD": "225",
		"direction": "IN",
		"blockTime": "2024-03-01T12:00:00Z"
	}`, string(data))
}

func TestFanout(t *testing.T) {
	ctx := context.Background()
	primary := &Recorder{}
	secondary := &Recorder{}
	secondary.Fail(errors.New("nats down"))

	f := NewFanout(nil, primary, nil, secondary)
	require.NoError(t, f.Publish(ctx, GlobalTopic, EventLeaderboard, LeaderboardPayload{}))
	require.Len(t, primary.Events(), 1)
	assert.Empty(t, secondary.Events())

	primary.Fail(errors.New("boom"))
	assert.EqualError(t, f.Publish(ctx, GlobalTopic, EventLeaderboard, nil), "boom")
}

func TestFanout_SharesEventID(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(HubOptions{}, nil, nil)
	defer hub.Close()
	rec := &Recorder{}
	sub := hub.Subscribe(AddressTopic("W"))

	f := NewFanout(nil, hub, rec)
	require.NoError(t, f.Publish(ctx, AddressTopic("W"), EventBalance, BalancePayload{Rate: 150}))

	got := receive(t, sub)
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, rec.Events()[0].ID, got.ID)
	assert.Equal(t, []string{EventBalance}, rec.Types())
}
