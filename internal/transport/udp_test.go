package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPReadLoopSurvivesTransientError(t *testing.T) {
	b := NewUDPBinding("127.0.0.1:0", nil)

	// a transient receive failure is surfaced and the loop keeps going
	require.True(t, b.deliverReadError(errors.New("recvfrom: connection refused")))
	select {
	case p := <-b.Packets():
		assert.Error(t, p.Err)
		assert.Nil(t, p.Data)
	default:
		t.Fatal("read error not surfaced")
	}

	// a second failure in a row still does not stop it
	require.True(t, b.deliverReadError(errors.New("recvfrom: connection refused")))
	<-b.Packets()

	// a closed socket does
	assert.False(t, b.deliverReadError(errors.New("use of closed network connection")))
}

func TestUDPReadErrorAfterCloseStopsLoop(t *testing.T) {
	b := NewUDPBinding("127.0.0.1:0", nil)
	require.NoError(t, b.Open(context.Background()))
	require.NoError(t, b.Close())

	assert.False(t, b.deliverReadError(errors.New("recvfrom: bad file descriptor")))
}

func TestUDPBindingRoundTrip(t *testing.T) {
	a := NewUDPBinding("127.0.0.1:0", nil)
	require.NoError(t, a.Open(context.Background()))
	defer a.Close()

	b := NewUDPBinding("127.0.0.1:0", nil)
	require.NoError(t, b.Open(context.Background()))
	defer b.Close()

	payload := []byte{0x81, 0x0A, 0x00, 0x04}
	require.NoError(t, a.Send(b.LocalAddr(), payload))

	select {
	case p := <-b.Packets():
		require.NoError(t, p.Err)
		assert.Equal(t, payload, p.Data)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestUDPBindingReopen(t *testing.T) {
	b := NewUDPBinding("127.0.0.1:0", nil)
	require.NoError(t, b.Open(context.Background()))
	require.NoError(t, b.Close())
	assert.Nil(t, b.LocalAddr())

	require.NoError(t, b.Open(context.Background()))
	assert.NotNil(t, b.LocalAddr())
	require.NoError(t, b.Close())
}
