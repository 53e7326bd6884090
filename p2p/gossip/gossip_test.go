package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu  sync.Mutex
	out []WireMessage
	to  []string
}

func (f *fakeSender) Send(peerID string, msg WireMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, peerID)
	f.out = append(f.out, msg)
	return nil
}

func (f *fakeSender) messages() []WireMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WireMessage(nil), f.out...)
}

type fakeScoreUpdater struct {
	mu      sync.Mutex
	samples map[string][]float64
}

func newFakeScoreUpdater() *fakeScoreUpdater {
	return &fakeScoreUpdater{samples: make(map[string][]float64)}
}

func (f *fakeScoreUpdater) UpdateScore(peerID string, deliverySample float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[peerID] = append(f.samples[peerID], deliverySample)
	return nil
}

func TestPublishFansOutToKnownPeers(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})
	m.AddKnownPeer("topic-a", "QmPeer1")
	m.AddKnownPeer("topic-a", "QmPeer2")

	require.NoError(t, m.Publish("topic-a", []byte("hello")))

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, "publish", msg.Kind)
		require.Equal(t, "topic-a", msg.Topic)
	}
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender, MaxMessageSize: 4})

	err := m.Publish("topic-a", []byte("too big"))
	require.Error(t, err)
}

func TestReceiveDedupsAndPenalizesDuplicate(t *testing.T) {
	sender := &fakeSender{}
	scores := newFakeScoreUpdater()
	m := New(Config{SelfID: "self", Sender: sender, ScoreStore: scores})

	var delivered int
	m.Subscribe("topic-a", func(topic string, data []byte, sender string) {
		delivered++
	})

	wire := WireMessage{Kind: "publish", Topic: "topic-a", ID: "msg1", Data: []byte("x"), Sender: "QmPeer", Timestamp: time.Now()}
	m.Receive(wire)
	m.Receive(wire)

	require.Equal(t, 1, delivered)

	scores.mu.Lock()
	defer scores.mu.Unlock()
	require.Len(t, scores.samples["QmPeer"], 2)
	require.Equal(t, 1.0, scores.samples["QmPeer"][0])
	require.Equal(t, 0.0, scores.samples["QmPeer"][1])
}

func TestReceiveRejectsInvalidMessage(t *testing.T) {
	sender := &fakeSender{}
	scores := newFakeScoreUpdater()
	m := New(Config{SelfID: "self", Sender: sender, ScoreStore: scores})

	m.Receive(WireMessage{Kind: "publish", Topic: "", ID: "", Sender: "QmPeer"})

	scores.mu.Lock()
	defer scores.mu.Unlock()
	require.Equal(t, []float64{0.0}, scores.samples["QmPeer"])
}

func TestReceiveForwardsToMeshExcludingSender(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})
	m.onGraft("topic-a", "QmMeshPeer")

	m.Receive(WireMessage{Kind: "publish", Topic: "topic-a", ID: "msg1", Data: []byte("x"), Sender: "QmSender", Timestamp: time.Now()})

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "msg1", msgs[0].ID)
}

func TestOnGraftAdmitsAndPrunesOnNegativeScore(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})

	m.onGraft("topic-a", "QmGood")
	require.Equal(t, 1, m.MeshSize("topic-a"))

	m.adjustScore("QmBad", -50)
	m.onGraft("topic-a", "QmBad")
	require.Equal(t, 1, m.MeshSize("topic-a"))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "prune", msgs[0].Kind)
}

func TestOnPruneRemovesFromMesh(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})
	m.onGraft("topic-a", "QmPeer")
	require.Equal(t, 1, m.MeshSize("topic-a"))

	m.onPrune("topic-a", "QmPeer")
	require.Equal(t, 0, m.MeshSize("topic-a"))
}

func TestOnIHaveRequestsUnseenIDs(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})
	m.seen["known"] = seenEntry{expiry: time.Now().Add(time.Minute)}

	m.onIHave("topic-a", "QmPeer", []string{"known", "unknown"})

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "iwant", msgs[0].Kind)
	require.Equal(t, []string{"unknown"}, msgs[0].IDs)
}

func TestAdjustScoreClampsRange(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})

	for i := 0; i < 100; i++ {
		m.adjustScore("QmPeer", scoreDelivered)
	}
	require.LessOrEqual(t, m.peerScores["QmPeer"], 150.0)

	for i := 0; i < 100; i++ {
		m.adjustScore("QmPeer2", scoreInvalid)
	}
	require.GreaterOrEqual(t, m.peerScores["QmPeer2"], -100.0)
}

func TestMaintainMeshGraftsUpToTargetWhenBelowLow(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{SelfID: "self", Sender: sender})
	for i := 0; i < 10; i++ {
		m.AddKnownPeer("topic-a", string(rune('A'+i)))
	}

	m.maintainMesh()

	require.Equal(t, dTarget, m.MeshSize("topic-a"))
}

func TestMessageIDDeterministic(t *testing.T) {
	ts := time.Unix(0, 123456)
	id1 := messageID("topic", []byte("data"), ts)
	id2 := messageID("topic", []byte("data"), ts)
	require.Equal(t, id1, id2)

	id3 := messageID("topic", []byte("other"), ts)
	require.NotEqual(t, id1, id3)
}
