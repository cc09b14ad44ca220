package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/safe-indexer/pkg/events"
)

func sampleEvents() []events.Event {
	return []events.Event{{
		Kind:        events.KindERC20Transfer,
		Stream:      "transfers",
		Key:         "0x01:3",
		BlockNumber: 7,
		Payload: events.ERC20Transfer{
			Token: common.HexToAddress("0x1"),
			From:  common.HexToAddress("0x2"),
			To:    common.HexToAddress("0x3"),
			Value: "100",
		},
	}}
}

func TestWebhookSend(t *testing.T) {
	secret := "my-secret"

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "safe-indexer/v1", r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get(DeliveryHeader))

		body, _ := io.ReadAll(r.Body)
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		require.Len(t, p.Events, 1)
		tr, ok := p.Events[0].Payload.(events.ERC20Transfer)
		require.True(t, ok)
		assert.Equal(t, "100", tr.Value)

		assert.Equal(t, Sign([]byte(secret), body), r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, Secret: secret})
	assert.NoError(t, client.Send(context.Background(), sampleEvents()))
}

func TestWebhook_NoSecretNoSignature(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	assert.NoError(t, NewClient(Config{URL: ts.URL}).Send(context.Background(), sampleEvents()))
}

func TestWebhook_EmptyBatchIsNoop(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer ts.Close()

	assert.NoError(t, NewClient(Config{URL: ts.URL}).Send(context.Background(), nil))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestWebhook_Retry(t *testing.T) {
	var attempts int32
	deliveries := make(chan string, 3)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries <- r.Header.Get(DeliveryHeader)
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{
		URL:            ts.URL,
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	require.NoError(t, client.Send(context.Background(), sampleEvents()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	first, second := <-deliveries, <-deliveries
	assert.Equal(t, first, second)
}

func TestWebhook_ClientErrorIsFinal(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, MaxAttempts: 3, InitialBackoff: time.Millisecond})
	err := client.Send(context.Background(), sampleEvents())
	assert.ErrorContains(t, err, "after 1 attempts: status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestWebhook_TooManyRequestsIsRetried(t *testing.T) {
	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	err := client.Send(context.Background(), sampleEvents())
	assert.ErrorContains(t, err, "after 3 attempts: status 429")
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestWebhook_ContextCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL, MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Send(ctx, sampleEvents())
	assert.ErrorIs(t, err, context.Canceled)
}
