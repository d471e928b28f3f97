package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAPIKey string
	var gotBody TransferRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("x-api-key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transaction_id":"0.0.2@1700000000.1","status":"SUCCESS"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", 0, zerolog.Nop())
	res, err := client.Transfer(context.Background(), TransferRequest{
		FromAccountID:  "0.0.1001",
		ToAccountID:    "0.0.1002",
		Amount:         200_000_000,
		Signer:         SignerTreasury,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "0.0.2@1700000000.1", res.TransactionID)
	assert.Equal(t, "idem-1", gotKey)
	assert.Equal(t, "secret", gotAPIKey)
	assert.Equal(t, int64(200_000_000), gotBody.Amount)
}

func TestTransferRequiresIdempotencyKey(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", "secret", 0, zerolog.Nop())
	_, err := client.Transfer(context.Background(), TransferRequest{Amount: 1})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "bad request is permanent", status: http.StatusBadRequest, transient: false},
		{name: "insufficient balance is permanent", status: http.StatusUnprocessableEntity, transient: false},
		{name: "rate limited is transient", status: http.StatusTooManyRequests, transient: true},
		{name: "server error is transient", status: http.StatusBadGateway, transient: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"errors":[{"title":"rejected","detail":"nope"}]}`))
			}))
			defer server.Close()

			client := NewClient(server.URL, "secret", 0, zerolog.Nop())
			_, err := client.Transfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
			require.Error(t, err)

			var errResp *ErrorResponse
			require.True(t, errors.As(err, &errResp))
			assert.Equal(t, tc.status, errResp.StatusCode)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, "secret", 0, zerolog.Nop())
	_, err := client.Transfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGetTransferReceiptNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers/idem-404", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", 0, zerolog.Nop())
	_, err := client.GetTransferReceipt(context.Background(), "idem-404")
	assert.True(t, errors.Is(err, ErrReceiptNotFound))
	assert.False(t, IsTransient(err))
}

func TestMintAndTopicMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tokens/0.0.5005/mint":
			var req MintRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "0.0.1001", req.RecipientAccountID)
			assert.Equal(t, []byte("ipfs://QmHash"), req.Metadata)
			_, _ = w.Write([]byte(`{"serial_number":7,"transaction_id":"tx-mint"}`))
		case "/api/v1/topics/0.0.6006/messages":
			_, _ = w.Write([]byte(`{"sequence_number":42,"transaction_id":"tx-topic"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", 50, zerolog.Nop())
	minted, err := client.Mint(context.Background(), "0.0.5005", MintRequest{RecipientAccountID: "0.0.1001", Metadata: []byte("ipfs://QmHash")})
	require.NoError(t, err)
	assert.Equal(t, int64(7), minted.SerialNumber)

	msg, err := client.SubmitTopicMessage(context.Background(), "0.0.6006", []byte(`{"type":"DONATION"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.SequenceNumber)
}
