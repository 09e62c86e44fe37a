package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/pix-sales-go/pkg/contracts"
)

var sample = Delivery{
	OrderID:     "order-1",
	BuyerID:     42,
	Attempt:     1,
	ProductName: "Go e-book",
	TotalPrice:  2990,
	Payload:     "https://files.example/go-ebook.pdf",
}

func TestFormatMessage(t *testing.T) {
	msg := FormatMessage(sample)
	assert.Contains(t, msg, "Go e-book")
	assert.Contains(t, msg, "R$ 29.90")
	assert.Contains(t, msg, "https://files.example/go-ebook.pdf")
}

func TestTelegramDeliver(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botSECRET/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(srv.URL, "SECRET", time.Second)
	require.NoError(t, tg.Deliver(context.Background(), sample))
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.True(t, got.DisableWebPagePreview)
}

func TestTelegramDeliverFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	err := NewTelegram(srv.URL, "SECRET", time.Second).Deliver(context.Background(), sample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestTelegramTransportErrorHidesToken(t *testing.T) {
	tg := NewTelegram("http://127.0.0.1:1", "SECRET", 100*time.Millisecond)
	err := tg.Deliver(context.Background(), sample)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

type capturePublisher struct {
	key     string
	payload any
	err     error
}

func (c *capturePublisher) Publish(_ context.Context, key string, payload any) error {
	c.key, c.payload = key, payload
	return c.err
}

func TestKafkaDeliver(t *testing.T) {
	pub := &capturePublisher{}
	k := NewKafka(pub)
	require.NoError(t, k.Deliver(context.Background(), sample))

	assert.Equal(t, "order-1", pub.key)
	evt, ok := pub.payload.(contracts.DeliveryEvent)
	require.True(t, ok)
	assert.Equal(t, "order-1:delivery:1", evt.EventID)
	assert.Equal(t, contracts.EventDeliveryRequested, evt.Type)
	assert.Equal(t, int64(42), evt.BuyerID)

	pub.err = errors.New("broker down")
	assert.Error(t, k.Deliver(context.Background(), sample))
}

func TestLogNotifierNeverFails(t *testing.T) {
	assert.NoError(t, Log().Deliver(context.Background(), sample))
}
