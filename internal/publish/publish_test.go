//go:build test

package publish

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/features"
	"github.com/srg/mindlink/internal/stream"
	"github.com/srg/mindlink/internal/supervisor"
	"github.com/srg/mindlink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Publish(subject string, data []byte) error {
	return m.Called(subject, string(data)).Error(0)
}

func (m *mockConn) Close() {
	m.Called()
}

type PublisherTestSuite struct {
	suite.Suite

	conn *mockConn
	pub  *Publisher
	sent map[string]string
	at   time.Time
}

func TestPublisherTestSuite(t *testing.T) {
	suite.Run(t, new(PublisherTestSuite))
}

func (s *PublisherTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s.sent = make(map[string]string)
	s.conn = &mockConn{}
	s.conn.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		s.sent[args.String(0)] = args.String(1)
	}).Return(nil)
	s.pub = New(s.conn, Config{Subject: "eeg"}, logger)
	s.at = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func (s *PublisherTestSuite) TestChunk() {
	// GOAL: Verify chunks are published as JSON under the session subject, stats omitted by default

	s.pub.Chunk("abc", stream.Chunk{
		Filtered:     []float64{1.5, -2},
		SamplingRate: 512,
		Timestamp:    s.at,
		Stats:        &stream.Stats{Emitted: 8},
	})

	s.Require().Contains(s.sent, "eeg.abc.chunk")
	testutils.NewJSONAsserter(s.T()).
		WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(s.sent["eeg.abc.chunk"], `{
			"session": "abc",
			"sampling_rate": 512,
			"timestamp": "2024-01-01T12:00:00Z",
			"filtered": [1.5, -2]
		}`)
	s.Equal(Stats{Published: 1}, s.pub.Stats())
}

func (s *PublisherTestSuite) TestWindow() {
	// GOAL: Verify feature windows keep band order and carry the session

	bands := orderedmap.New[string, float64]()
	bands.Set("delta", 4)
	bands.Set("alpha", 2)

	s.pub.Window("abc", features.Window{
		Start:        s.at,
		End:          s.at.Add(2 * time.Second),
		SamplingRate: 512,
		Samples:      1024,
		Bands:        bands,
		Mean:         0.5,
		RMS:          3,
	})

	msg := s.sent["eeg.abc.features"]
	s.Require().NotEmpty(msg)
	s.Less(strings.Index(msg, `"delta"`), strings.Index(msg, `"alpha"`), "band order MUST be preserved")
	testutils.NewJSONAsserter(s.T()).Assert(msg, `{
		"session": "abc",
		"samples": 1024,
		"bands": {"delta": 4, "alpha": 2},
		"rms": 3
	}`)
}

func (s *PublisherTestSuite) TestState() {
	// GOAL: Verify state events carry their error text

	s.pub.State(supervisor.Event{
		State:   supervisor.Fatal,
		Session: "abc",
		Address: "AA:BB:CC:DD:EE:FF",
		Attempt: 5,
		Err:     device.ErrFatal,
		At:      s.at,
	})

	testutils.NewJSONAsserter(s.T()).
		WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(s.sent["eeg.abc.state"], `{
			"state": "fatal",
			"session": "abc",
			"address": "AA:BB:CC:DD:EE:FF",
			"attempt": 5,
			"error": "reconnect_exhausted: reconnect attempts exhausted",
			"at": "2024-01-01T12:00:00Z"
		}`)
}

func (s *PublisherTestSuite) TestPublishFailureIsCounted() {
	// GOAL: Verify a failed publish is counted and not retried

	s.conn.ExpectedCalls = nil
	s.conn.On("Publish", mock.Anything, mock.Anything).Return(errors.New("nats: connection closed"))

	s.pub.Chunk("", stream.Chunk{SamplingRate: 512})

	s.Equal(Stats{Failed: 1}, s.pub.Stats())
	s.conn.AssertNumberOfCalls(s.T(), "Publish", 1)
	s.conn.AssertCalled(s.T(), "Publish", "eeg.none.chunk", mock.Anything)
}

func (s *PublisherTestSuite) TestClose() {
	s.conn.On("Close").Return()
	s.pub.Close()
	s.conn.AssertCalled(s.T(), "Close")
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(Config{}, nil)
	if err == nil {
		t.Fatal("Connect MUST fail without a url")
	}
}
