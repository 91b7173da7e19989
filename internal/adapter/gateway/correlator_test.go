package gateway

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opencami/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, p *PendingCall) callResult {
	t.Helper()
	select {
	case res := <-p.Done():
		return res
	default:
		t.Fatalf("pending call %s not completed", p.ID())
		return callResult{}
	}
}

func assertPending(t *testing.T, p *PendingCall) {
	t.Helper()
	select {
	case res := <-p.Done():
		t.Fatalf("pending call %s unexpectedly completed: %+v", p.ID(), res)
	default:
	}
}

func TestCorrelatorResolvesOK(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)

	c.HandleFrame([]byte(`{"type":"res","id":"a","ok":true,"payload":{"models":[]}}`))

	res := receive(t, p)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"models":[]}`, string(res.payload))
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorRejectsWithRemoteMessage(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)

	c.HandleFrame([]byte(`{"type":"res","id":"a","ok":false,"error":{"code":"E1","message":"model unavailable"}}`))

	res := receive(t, p)
	require.Error(t, res.err)
	assert.Equal(t, "model unavailable", res.err.Error())
	var re *domain.RemoteError
	require.True(t, errors.As(res.err, &re))
	assert.Equal(t, "E1", re.Code)
	assert.ErrorIs(t, res.err, domain.ErrGatewayRemote)
}

func TestCorrelatorRejectsWithDefaultMessage(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayAuth)

	c.HandleFrame([]byte(`{"type":"res","id":"a","ok":false}`))

	res := receive(t, p)
	assert.EqualError(t, res.err, "gateway error")
	assert.ErrorIs(t, res.err, domain.ErrGatewayAuth)
}

func TestCorrelatorIgnoresUnknownID(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)

	assert.NotPanics(t, func() {
		c.HandleFrame([]byte(`{"type":"res","id":"zzz","ok":true}`))
	})
	assertPending(t, p)
	assert.Equal(t, 1, c.Len())

	c.HandleFrame([]byte(`{"type":"res","id":"a","ok":true}`))
	require.NoError(t, receive(t, p).err)
}

func TestCorrelatorDuplicateResponseIgnored(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)

	c.HandleFrame([]byte(`{"type":"res","id":"a","ok":true,"payload":1}`))
	assert.NotPanics(t, func() {
		c.HandleFrame([]byte(`{"type":"res","id":"a","ok":false,"error":{"message":"late"}}`))
	})

	res := receive(t, p)
	require.NoError(t, res.err)
	assert.Equal(t, "1", string(res.payload))
	assertPending(t, p) // nothing else delivered
}

func TestCorrelatorIgnoresMalformedAndNonResponseFrames(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)

	for _, raw := range []string{
		`not json`,
		`{"type":"mystery","id":"a"}`,
		`{"type":"event","event":"tick","payload":{"id":"a"}}`,
		`{"type":"req","id":"a","method":"x"}`,
		``,
	} {
		assert.NotPanics(t, func() { c.HandleFrame([]byte(raw)) })
	}
	assertPending(t, p)
	assert.Equal(t, 1, c.Len())
}

func TestCorrelatorOnlyAffectsMatchingCall(t *testing.T) {
	c := NewCorrelator(testLogger())
	a := c.Register("a", domain.ErrGatewayRemote)
	b := c.Register("b", domain.ErrGatewayRemote)

	c.HandleFrame([]byte(`{"type":"res","id":"b","ok":true,"payload":"B"}`))

	assertPending(t, a)
	assert.Equal(t, `"B"`, string(receive(t, b).payload))
	assert.Equal(t, 1, c.Len())
}

func TestCorrelatorCancel(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)
	c.Cancel("a")
	assert.Equal(t, 0, c.Len())

	c.HandleFrame([]byte(`{"type":"res","id":"a","ok":true}`))
	assertPending(t, p)

	c.Cancel("missing") // no-op
}

func TestCorrelatorFailAll(t *testing.T) {
	c := NewCorrelator(testLogger())
	a := c.Register("a", domain.ErrGatewayRemote)
	b := c.Register("b", domain.ErrGatewayRemote)

	c.FailAll(domain.ErrGatewayConnection)

	assert.ErrorIs(t, receive(t, a).err, domain.ErrGatewayConnection)
	assert.ErrorIs(t, receive(t, b).err, domain.ErrGatewayConnection)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorConcurrentFrames(t *testing.T) {
	c := NewCorrelator(testLogger())
	p := c.Register("a", domain.ErrGatewayRemote)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleFrame([]byte(`{"type":"res","id":"a","ok":true}`))
		}()
	}
	wg.Wait()

	require.NoError(t, receive(t, p).err)
	assertPending(t, p)
}
