package state

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativelabs/driftwatch/detect"
	"github.com/narrativelabs/driftwatch/kgraph"
	"github.com/narrativelabs/driftwatch/queue"
)

func testState() *UnifiedState {
	return New(kgraph.New(), 10)
}

func TestNewStartsAtMonitor(t *testing.T) {
	st := testState()
	assert.Equal(t, StageMonitor, st.CurrentStage)
	assert.NotEmpty(t, st.SessionID)
	assert.NotNil(t, st.PostQueue)
	assert.NotNil(t, st.Interactions)
	assert.NotNil(t, st.Evolution.PatternTally)
}

func TestResetCycleKeepsDurableState(t *testing.T) {
	st := testState()
	st.AppendMarketEvent(MarketEvent{Symbol: "BTC"})
	st.AppendSocialEvent(SocialEvent{Author: "a"})
	st.AppendNewsEvent(NewsEvent{Title: "t"})
	st.AppendPatterns(detect.Pattern{PatternType: detect.PatternTopicCycle})
	st.Assessment = &Assessment{Significance: 0.7}
	st.CurrentContext["recall"] = "something"
	st.RecordError(StageMonitor, errors.New("blip"), false)
	st.Evolution.CyclesCompleted = 4
	st.LongTerm["cursor"] = json.RawMessage(`"m9"`)
	require.NoError(t, st.PostQueue.Add(queue.QueuedPost{Content: "queued"}))

	st.ResetCycle()

	market, social, news := st.EventCounts()
	assert.Zero(t, market+social+news, "cycle buffers clear")
	assert.Empty(t, st.Patterns)
	assert.Nil(t, st.Assessment)
	assert.Empty(t, st.CurrentContext)

	assert.Len(t, st.ErrorLog, 1, "error log is append-only")
	assert.Equal(t, 4, st.Evolution.CyclesCompleted)
	assert.Contains(t, st.LongTerm, "cursor")
	assert.Equal(t, 1, st.PostQueue.Len(), "queued work survives the cycle boundary")
}

func TestCriticalErrors(t *testing.T) {
	st := testState()
	st.RecordError(StageMonitor, errors.New("soft"), false)
	st.RecordError(StagePost, errors.New("hard"), true)
	st.RecordError(StagePost, errors.New("harder"), true)
	assert.Equal(t, 2, st.CriticalErrors())
}

func TestCloneIsIndependent(t *testing.T) {
	st := testState()
	st.AppendMarketEvent(MarketEvent{Symbol: "BTC", Price: 100})
	st.CurrentContext["k"] = "original"

	clone, err := st.Clone()
	require.NoError(t, err)

	clone.AppendMarketEvent(MarketEvent{Symbol: "ETH"})
	clone.CurrentContext["k"] = "staged"
	clone.RecordError(StageMonitor, errors.New("staged failure"), false)

	assert.Len(t, st.MarketEvents, 1, "edits to the clone never reach the original")
	assert.Equal(t, "original", st.CurrentContext["k"])
	assert.Empty(t, st.ErrorLog)

	assert.Same(t, st.Graph, clone.Graph, "the graph handle is shared, not copied")
}

func TestMarshalRoundTrip(t *testing.T) {
	st := testState()
	st.CurrentStage = StageAssess
	st.AppendSocialEvent(SocialEvent{Content: "post", Author: "a", Sentiment: -0.4})
	st.Assessment = &Assessment{Significance: 0.61, ResponseType: ResponseHistoricalBridge, AssessedAt: time.Now().UTC()}
	st.Evolution.PatternTally["topic_cycle"] = 2
	require.NoError(t, st.PostQueue.Add(queue.QueuedPost{Content: "out", Priority: 2}))
	st.Interactions.Add(queue.Interaction{Content: "mention", Priority: 5})

	doc, err := json.Marshal(st)
	require.NoError(t, err)

	restored := &UnifiedState{}
	require.NoError(t, json.Unmarshal(doc, restored))

	assert.Equal(t, st.SessionID, restored.SessionID)
	assert.Equal(t, StageAssess, restored.CurrentStage)
	assert.Len(t, restored.SocialEvents, 1)
	require.NotNil(t, restored.Assessment)
	assert.InDelta(t, 0.61, restored.Assessment.Significance, 1e-9)
	assert.Equal(t, 2, restored.Evolution.PatternTally["topic_cycle"])
	assert.Equal(t, 1, restored.PostQueue.Len())
	assert.Equal(t, 1, restored.Interactions.PendingLen())

	// The restored state must be immediately usable.
	restored.AppendMarketEvent(MarketEvent{Symbol: "BTC"})
	assert.Len(t, restored.MarketEvents, 1)
}

func TestUnknownFieldsRoundTrip(t *testing.T) {
	st := testState()
	doc, err := json.Marshal(st)
	require.NoError(t, err)

	// A future version added a field this version does not know.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc, &raw))
	raw["futureFeature"] = json.RawMessage(`{"enabled":true}`)
	doc, err = json.Marshal(raw)
	require.NoError(t, err)

	restored := &UnifiedState{}
	require.NoError(t, json.Unmarshal(doc, restored))
	require.Contains(t, restored.Extra, "futureFeature")

	again, err := json.Marshal(restored)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(again, &out))
	assert.JSONEq(t, `{"enabled":true}`, string(out["futureFeature"]),
		"unknown fields survive a full persist cycle")
}

func TestConcurrentAppends(t *testing.T) {
	st := testState()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				st.AppendMarketEvent(MarketEvent{Symbol: "BTC"})
				st.RecordError(StageMonitor, errors.New("x"), false)
			}
		}()
	}
	wg.Wait()

	market, _, _ := st.EventCounts()
	assert.Equal(t, 400, market)
	assert.Len(t, st.ErrorLog, 400)
}
