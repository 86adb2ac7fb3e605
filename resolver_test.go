// Copyright 2026 Trellis Building Automation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcastCapture struct {
	service UnconfirmedServiceChoice
	data    []byte
}

func newTestResolver(t *testing.T, metrics *Metrics, sent *[]broadcastCapture) *addressResolver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newAddressResolver(5*time.Minute, 3*time.Second, func(service UnconfirmedServiceChoice, data []byte) error {
		*sent = append(*sent, broadcastCapture{service: service, data: data})
		return nil
	}, metrics, logger)
}

func deviceInfo(instance uint32, addr DeviceAddress) *DeviceInfo {
	return &DeviceInfo{
		ObjectID:      ObjectIdentifier{Type: ObjectTypeDevice, Instance: instance},
		Address:       addr,
		MaxAPDULength: MaxAPDULength,
		Segmentation:  SegmentationBoth,
		VendorID:      42,
	}
}

func TestResolveCacheHit(t *testing.T) {
	var sent []broadcastCapture
	r := newTestResolver(t, NewMetrics(), &sent)
	now := time.Now()
	r.handleIAm(deviceInfo(1001, testStation(1)), now)

	waiter := make(chan resolveOutcome, 1)
	r.resolve(1001, waiter, now)

	out := <-waiter
	require.NoError(t, out.err)
	assert.Equal(t, uint32(1001), out.info.ObjectID.Instance)
	assert.Empty(t, sent) // no broadcast for a cached instance
}

func TestResolveCoalescesWaiters(t *testing.T) {
	metrics := NewMetrics()
	var sent []broadcastCapture
	r := newTestResolver(t, metrics, &sent)
	now := time.Now()

	w1 := make(chan resolveOutcome, 1)
	w2 := make(chan resolveOutcome, 1)
	r.resolve(2002, w1, now)
	r.resolve(2002, w2, now)

	// one discovery, one targeted Who-Is
	require.Len(t, sent, 1)
	assert.Equal(t, ServiceWhoIs, sent[0].service)
	assert.EqualValues(t, 1, metrics.WhoIsSent.Value())

	r.handleIAm(deviceInfo(2002, testStation(2)), now)
	for _, w := range []chan resolveOutcome{w1, w2} {
		out := <-w
		require.NoError(t, out.err)
		assert.True(t, out.info.Address.Equal(testStation(2)))
	}
	assert.EqualValues(t, 1, metrics.DevicesDiscovered.Value())
}

func TestResolveDiscoveryTimeout(t *testing.T) {
	metrics := NewMetrics()
	var sent []broadcastCapture
	r := newTestResolver(t, metrics, &sent)
	now := time.Now()

	waiter := make(chan resolveOutcome, 1)
	r.resolve(3003, waiter, now)

	deadline, ok := r.nextDeadline()
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(3*time.Second), deadline, 10*time.Millisecond)

	r.expire(now.Add(time.Second)) // too early
	select {
	case <-waiter:
		t.Fatal("discovery expired before its deadline")
	default:
	}

	r.expire(now.Add(4 * time.Second))
	out := <-waiter
	assert.ErrorIs(t, out.err, ErrDeviceUnreachable)
	assert.EqualValues(t, 1, metrics.DiscoveryTimeouts.Value())

	_, ok = r.nextDeadline()
	assert.False(t, ok)
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	var sent []broadcastCapture
	r := newTestResolver(t, NewMetrics(), &sent)
	now := time.Now()
	r.handleIAm(deviceInfo(4004, testStation(4)), now)

	assert.NotNil(t, r.lookup(4004, now.Add(4*time.Minute)))
	assert.Nil(t, r.lookup(4004, now.Add(6*time.Minute)))

	// a stale entry forces rediscovery
	waiter := make(chan resolveOutcome, 1)
	r.resolve(4004, waiter, now.Add(6*time.Minute))
	assert.Len(t, sent, 1)
}

func TestRepeatedFailuresInvalidateCache(t *testing.T) {
	var sent []broadcastCapture
	r := newTestResolver(t, NewMetrics(), &sent)
	now := time.Now()
	addr := testStation(5)
	r.handleIAm(deviceInfo(5005, addr), now)

	r.noteFailure(addr)
	r.noteFailure(addr)
	assert.NotNil(t, r.lookup(5005, now))

	r.noteFailure(addr)
	assert.Nil(t, r.lookup(5005, now))
}

func TestSuccessClearsFailureStreak(t *testing.T) {
	var sent []broadcastCapture
	r := newTestResolver(t, NewMetrics(), &sent)
	now := time.Now()
	addr := testStation(6)
	r.handleIAm(deviceInfo(6006, addr), now)

	r.noteFailure(addr)
	r.noteFailure(addr)
	r.noteSuccess(addr)
	r.noteFailure(addr)
	assert.NotNil(t, r.lookup(6006, now))
}

func TestIAmClearsFailureStreak(t *testing.T) {
	var sent []broadcastCapture
	r := newTestResolver(t, NewMetrics(), &sent)
	now := time.Now()
	addr := testStation(7)
	r.handleIAm(deviceInfo(7007, addr), now)

	r.noteFailure(addr)
	r.noteFailure(addr)
	r.handleIAm(deviceInfo(7007, addr), now)
	r.noteFailure(addr)
	assert.NotNil(t, r.lookup(7007, now))
}

func TestDevicesSnapshot(t *testing.T) {
	var sent []broadcastCapture
	r := newTestResolver(t, NewMetrics(), &sent)
	now := time.Now()
	r.handleIAm(deviceInfo(1, testStation(1)), now)
	r.handleIAm(deviceInfo(2, testStation(2)), now)

	assert.Len(t, r.devices(), 2)
}

func TestEncodeWhoIsRange(t *testing.T) {
	// the unbounded range has no service parameters
	assert.Nil(t, EncodeWhoIs(0, 0x3FFFFF))
	assert.NotNil(t, EncodeWhoIs(100, 100))
	assert.NotNil(t, EncodeWhoIs(0, 50))
}

func TestIAmRoundTrip(t *testing.T) {
	src := testStation(9)
	raw := EncodeIAm(987654, 1476, SegmentationBoth, 260)

	info, err := ParseIAm(raw, src, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(987654), info.ObjectID.Instance)
	assert.Equal(t, ObjectTypeDevice, info.ObjectID.Type)
	assert.Equal(t, uint16(1476), info.MaxAPDULength)
	assert.Equal(t, SegmentationBoth, info.Segmentation)
	assert.Equal(t, uint16(260), info.VendorID)
	assert.True(t, info.Address.Equal(src))
}

func TestIAmSourceSpecifierOverridesTransportSource(t *testing.T) {
	routed := RemoteStation(42, []byte{0x11})
	raw := EncodeIAm(55, 480, SegmentationNone, 7)

	info, err := ParseIAm(raw, testStation(9), &NPDU{Source: &routed})
	require.NoError(t, err)
	assert.True(t, info.Address.Equal(routed))
}

func TestParseIAmRejectsGarbage(t *testing.T) {
	src := testStation(9)

	_, err := ParseIAm(nil, src, nil)
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	// a non-device object identifier is not an I-Am
	raw := EncodeIAm(55, 480, SegmentationNone, 7)
	raw[1] = 0x00
	_, err = ParseIAm(raw, src, nil)
	assert.Error(t, err)

	// truncated after the object identifier
	raw = EncodeIAm(55, 480, SegmentationNone, 7)
	_, err = ParseIAm(raw[:5], src, nil)
	assert.Error(t, err)
}
