package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/brojonat/solboard/service/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "solboard.events.global", Subject(pubsub.GlobalTopic))
	assert.Equal(t, "solboard.events.address_Wallet111", Subject(pubsub.AddressTopic("Wallet111")))
	assert.Equal(t, "solboard.events.>", FilterSubject(""))
	assert.Equal(t, "solboard.events.address_W", FilterSubject("W"))
}

func TestTopicFromSubject(t *testing.T) {
	for _, topic := range []pubsub.Topic{pubsub.GlobalTopic, pubsub.AddressTopic("Wallet111")} {
		got, err := TopicFromSubject(Subject(topic))
		require.NoError(t, err)
		assert.Equal(t, topic, got)
	}

	_, err := TopicFromSubject("txns.abc")
	assert.Error(t, err)
	_, err = TopicFromSubject("solboard.events.")
	assert.Error(t, err)
}

func TestDecodeEvent(t *testing.T) {
	event, err := pubsub.NewEvent(pubsub.AddressTopic("W"), pubsub.EventBalance, pubsub.BalancePayload{Rate: 150})
	require.NoError(t, err)
	data, err := json.Marshal(event)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, pubsub.EventBalance, got.Type)
	assert.Equal(t, pubsub.AddressTopic("W"), got.Topic)

	_, err = DecodeEvent([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMockPublisher()

	require.NoError(t, m.Publish(ctx, pubsub.AddressTopic("W"), pubsub.EventTransaction, map[string]string{"signature": "s"}))
	require.NoError(t, m.Publish(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, pubsub.LeaderboardPayload{}))

	assert.Len(t, m.GetPublishedEvents(), 2)
	assert.Len(t, m.GetPublishedEventsForWallet("W"), 1)
	assert.Equal(t, []string{"solboard.events.address_W", "solboard.events.global"}, m.GetPublishedSubjects())

	m.SetPublishError(errors.New("nats down"))
	assert.Error(t, m.Publish(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, nil))

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}

func TestMockPublisher_InFanout(t *testing.T) {
	ctx := context.Background()
	hub := pubsub.NewHub(pubsub.HubOptions{}, nil, nil)
	defer hub.Close()
	bridge := NewMockPublisher()
	sub := hub.Subscribe(pubsub.GlobalTopic)

	f := pubsub.NewFanout(nil, hub, bridge)
	require.NoError(t, f.Publish(ctx, pubsub.GlobalTopic, pubsub.EventLeaderboard, pubsub.LeaderboardPayload{}))

	got := <-sub.Events()
	require.Len(t, bridge.GetPublishedEvents(), 1)
	assert.Equal(t, got.ID, bridge.GetPublishedEvents()[0].ID)
}
