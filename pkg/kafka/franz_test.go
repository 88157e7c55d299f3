package kafka

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap/zaptest"
)

func newFakeCluster(t *testing.T, partitions int32, topics ...string) *kfake.Cluster {
	t.Helper()
	cluster, err := kfake.NewCluster(
		kfake.NumBrokers(1),
		kfake.SeedTopics(partitions, topics...),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster
}

func newFranzTestClient(t *testing.T, cluster *kfake.Cluster, groupID string) *FranzClient {
	t.Helper()
	client, err := NewFranzClient(ClientConfig{
		Driver:           DriverFranz,
		BootstrapServers: strings.Join(cluster.ListenAddrs(), ","),
		GroupID:          groupID,
		ClientID:         "franz-test",
		AutoOffsetReset:  "earliest",
		SessionTimeout:   6 * time.Second,
		MaxPollInterval:  10 * time.Second,
		FlushTimeout:     time.Second,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func receive(t *testing.T, s Stream, n int) []InboundRecord {
	t.Helper()
	var got []InboundRecord
	timeout := time.After(15 * time.Second)
	for len(got) < n {
		select {
		case rec, ok := <-s.Records():
			require.True(t, ok, "stream ended early: %v", s.Err())
			got = append(got, rec)
		case <-timeout:
			t.Fatalf("received %d of %d records", len(got), n)
		}
	}
	return got
}

func TestFranzClient_PublishSubscribeAcknowledge(t *testing.T) {
	cluster := newFakeCluster(t, 1, "b1")
	client := newFranzTestClient(t, cluster, "franz-ack")
	ctx := t.Context()

	for _, v := range []string{"a", "b", "c"} {
		ack, err := client.Publish(ctx, OutboundRecord{Topic: "b1", Key: []byte(v), Value: []byte(v)})
		require.NoError(t, err)
		assert.Equal(t, "b1", ack.Topic)
	}

	stream, err := client.Subscribe(ctx, []string{"b1"})
	require.NoError(t, err)
	defer stream.Close() //nolint:errcheck

	got := receive(t, stream, 3)
	for i, rec := range got {
		assert.Equal(t, int64(i), rec.Offset)
	}
	assert.Equal(t, []byte("c"), got[2].Value)

	require.NoError(t, client.Acknowledge(ctx, got[2]))
	// Older and repeated acknowledgements are dropped by the ledger.
	require.NoError(t, client.Acknowledge(ctx, got[0]))
	require.NoError(t, client.Acknowledge(ctx, got[2]))

	pos, ok := client.ledger.Position(PartitionKey{Topic: "b1", Partition: 0})
	require.True(t, ok)
	assert.Equal(t, int64(3), pos)

	offsets, err := client.admin.FetchOffsets(ctx, "franz-ack")
	require.NoError(t, err)
	o, ok := offsets.Lookup("b1", 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), o.At)
}

func TestFranzClient_SubscribeTwice(t *testing.T) {
	cluster := newFakeCluster(t, 1, "b1")
	client := newFranzTestClient(t, cluster, "franz-twice")

	stream, err := client.Subscribe(t.Context(), []string{"b1"})
	require.NoError(t, err)

	_, err = client.Subscribe(t.Context(), []string{"b1"})
	require.ErrorContains(t, err, "already subscribed")

	require.NoError(t, stream.Close())
	_, ok := <-stream.Records()
	assert.False(t, ok)
	assert.NoError(t, stream.Err())
}

func TestFranzClient_AcknowledgeWithoutSubscription(t *testing.T) {
	cluster := newFakeCluster(t, 1, "b1")
	client := newFranzTestClient(t, cluster, "franz-nosub")

	err := client.Acknowledge(t.Context(), InboundRecord{Topic: "b1"})
	require.ErrorContains(t, err, "no active subscription")
}

func TestFranzClient_PartitionCount(t *testing.T) {
	cluster := newFakeCluster(t, 3, "a1")
	client := newFranzTestClient(t, cluster, "franz-admin")

	n, err := client.PartitionCount(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = client.PartitionCount(t.Context(), "missing")
	require.Error(t, err)
}

func TestFranzClient_EnsureTopic(t *testing.T) {
	cluster := newFakeCluster(t, 1, "seed")
	client := newFranzTestClient(t, cluster, "franz-ensure")
	ctx := t.Context()

	require.NoError(t, client.EnsureTopic(ctx, TopicConfig{Name: "b1", NumPartitions: 2, ReplicationFactor: 1}))
	n, err := client.PartitionCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Existing topic with fewer partitions is grown.
	require.NoError(t, client.EnsureTopic(ctx, TopicConfig{Name: "b1", NumPartitions: 4, ReplicationFactor: 1}))
	n, err = client.PartitionCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// Shrinking is ignored.
	require.NoError(t, client.EnsureTopic(ctx, TopicConfig{Name: "b1", NumPartitions: 1, ReplicationFactor: 1}))
	n, err = client.PartitionCount(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.Error(t, client.EnsureTopic(ctx, TopicConfig{Name: ""}))
}

func TestFranzSASL(t *testing.T) {
	opts, err := franzSASL(SASLConfig{})
	require.NoError(t, err)
	assert.Empty(t, opts)

	opts, err = franzSASL(SASLConfig{Username: "u", Password: "p", Mechanism: "PLAIN", SecurityProtocol: "SASL_PLAINTEXT"})
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	opts, err = franzSASL(SASLConfig{Username: "u", Password: "p", Mechanism: "SCRAM-SHA-512", SecurityProtocol: "SASL_SSL"})
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	_, err = franzSASL(SASLConfig{Username: "u", Mechanism: "GSSAPI"})
	require.ErrorContains(t, err, "unsupported sasl mechanism")
}

func TestInboundFromRecord(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	rec := inboundFromRecord(&kgo.Record{
		Topic:     "a1",
		Partition: 2,
		Offset:    41,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Timestamp: ts,
	})
	assert.Equal(t, PartitionKey{Topic: "a1", Partition: 2}, rec.PartitionKey())
	assert.Equal(t, int64(41), rec.Offset)
	assert.Equal(t, ts, rec.ReceivedAt)

	assert.False(t, inboundFromRecord(&kgo.Record{}).ReceivedAt.IsZero())
}

// Compile-time checks for both drivers.
var (
	_ Client = (*FranzClient)(nil)
	_ Admin  = (*FranzClient)(nil)
	_ Client = (*ConfluentClient)(nil)
	_ Admin  = (*ConfluentClient)(nil)
)
