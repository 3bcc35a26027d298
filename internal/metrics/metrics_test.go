package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeNoopWhenAddrEmpty(t *testing.T) {
	err := Serve(context.Background(), "")
	require.NoError(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	FetchTotal.WithLabelValues("url", "ok").Inc()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "127.0.0.1:0") }()

	// Serve binds to an ephemeral port here but doesn't report it back, so
	// this test exercises only the shutdown path, the part most likely to
	// regress (a hung server on cancellation); the /metrics handler is
	// covered by TestServeRespondsOnFixedPort.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not shut down within the grace period")
	}
}

func TestServeRespondsOnFixedPort(t *testing.T) {
	addr := "127.0.0.1:19876"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr) }()
	defer func() {
		cancel()
		<-errCh
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "witdeps_")
}
