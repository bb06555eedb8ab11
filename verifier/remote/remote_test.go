package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/verifier/remote"
)

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/purchases/verify", r.URL.Path)
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "credits_100", body["productId"])
		assert.Equal(t, "tok-1", body["purchaseToken"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"purchased","consumed":false,"accountId":"user-1","orderId":"GPA.1"}`))
	}))
	defer srv.Close()

	v := remote.New(srv.URL+"/", remote.WithToken("svc-token"))
	got, err := v.Verify(context.Background(), "credits_100", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, creditledger.StorePurchasePurchased, got.State)
	assert.False(t, got.Consumed)
	assert.Equal(t, "user-1", got.AccountID)
	assert.Equal(t, "GPA.1", got.OrderID)
}

func TestVerify_UnknownState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"refunded"}`))
	}))
	defer srv.Close()

	_, err := remote.New(srv.URL).Verify(context.Background(), "credits_100", "tok-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown purchase state")
}

func TestVerify_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := remote.New(srv.URL).Verify(context.Background(), "credits_100", "tok-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "token not found")
}

func TestConsume(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/purchases/consume", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, remote.New(srv.URL).Consume(context.Background(), "credits_100", "tok-1"))
	assert.Equal(t, 1, calls)
}
