package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/mindlink/internal/device"
	"github.com/srg/mindlink/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_FramesParse(t *testing.T) {
	// GOAL: Verify the generator output is a valid frame stream
	//
	// TEST SCENARIO: 1024 samples → parser yields 1024 raw samples plus 2 eSense samples, no errors

	gen := NewGenerator(512, nil, 0, 1)
	p := frame.NewParser(logrus.New())

	samples := p.AddBytes(gen.Next(1024))

	raw, esense := 0, 0
	for _, s := range samples {
		if s.Raw != nil {
			raw++
		}
		if s.Attention != nil {
			esense++
			assert.NotNil(t, s.Bands, "eSense frames MUST carry band powers")
		}
	}
	assert.Equal(t, 1024, raw)
	assert.Equal(t, 2, esense)
	assert.Zero(t, p.Stats().ChecksumErrors)
	assert.Zero(t, p.Stats().UnknownTypes)
	assert.Equal(t, uint64(1024), gen.Samples())
}

func TestGenerator_SignalScaling(t *testing.T) {
	// GOAL: Verify microvolts are converted to raw counts

	gen := NewGenerator(512, func(float64) float64 { return 100 }, 0, 1)
	samples := frame.NewParser(logrus.New()).AddBytes(gen.Next(1))

	require.Len(t, samples, 1)
	require.NotNil(t, samples[0].Raw)
	assert.Equal(t, int16(2048), *samples[0].Raw, "100 µV MUST be 2048 counts")
}

func TestTransport_StreamAndDrop(t *testing.T) {
	// GOAL: Verify the stream starts on subscribe and a drop closes the link
	//
	// TEST SCENARIO: Dial → subscribe → bytes arrive → DropLink → Disconnected closes → reads fail

	tr := New(DefaultConfig(), logrus.New())

	l, err := tr.Dial(context.Background(), DefaultConfig().Address, device.DefaultConnectOptions())
	require.NoError(t, err)

	var mu sync.Mutex
	var received int
	_, err = l.Subscribe(device.ServiceSerialStream, device.CharSerialStreamNotify, func(b []byte) {
		mu.Lock()
		received += len(b)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received > 0
	}, 2*time.Second, 10*time.Millisecond, "stream MUST deliver bytes")

	tr.DropLink()
	select {
	case <-l.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Disconnected MUST close after DropLink")
	}

	_, err = l.ReadSignalStrength(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)

	// reconnect is allowed after a drop
	l2, err := tr.Dial(context.Background(), DefaultConfig().Address, device.DefaultConnectOptions())
	require.NoError(t, err)
	require.NoError(t, l2.Close())
	assert.Equal(t, 2, tr.Dials())
}

func TestTransport_FaultInjection(t *testing.T) {
	// GOAL: Verify injected dial and keep-alive failures

	tr := New(DefaultConfig(), logrus.New())
	tr.FailDials(1)

	_, err := tr.Dial(context.Background(), DefaultConfig().Address, device.DefaultConnectOptions())
	assert.ErrorIs(t, err, ErrInjected)

	l, err := tr.Dial(context.Background(), DefaultConfig().Address, device.DefaultConnectOptions())
	require.NoError(t, err)
	defer l.Close()

	_, err = tr.Dial(context.Background(), DefaultConfig().Address, device.DefaultConnectOptions())
	assert.ErrorIs(t, err, device.ErrAlreadyConnected)

	tr.FailKeepAlive(true)
	_, err = l.ReadSignalStrength(context.Background())
	assert.ErrorIs(t, err, ErrInjected)
	_, err = l.DiscoverCapabilities(context.Background())
	assert.ErrorIs(t, err, ErrInjected)
	_, err = l.ReadLinkParameters(context.Background())
	assert.ErrorIs(t, err, ErrInjected)

	tr.FailKeepAlive(false)
	rssi, err := l.ReadSignalStrength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -55, rssi)
}

func TestTransport_UnknownAddress(t *testing.T) {
	tr := New(DefaultConfig(), logrus.New())
	_, err := tr.Dial(context.Background(), "11:22:33:44:55:66", device.DefaultConnectOptions())
	assert.Error(t, err)
}

func TestTransport_Permission(t *testing.T) {
	tr := New(DefaultConfig(), logrus.New())
	assert.NoError(t, device.EnsurePermission(context.Background(), tr.Permission()))

	tr.DenyPermission(true)
	assert.ErrorIs(t, device.EnsurePermission(context.Background(), tr.Permission()), device.ErrPermissionDenied)
}
