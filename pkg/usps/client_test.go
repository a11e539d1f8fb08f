package usps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/resilience"
)

func testServer(t *testing.T, tokenCalls *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/v3/token", func(w http.ResponseWriter, r *http.Request) {
		*tokenCalls++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-123",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/addresses/v3/address", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "1 elm street", r.URL.Query().Get("streetAddress"))
		json.NewEncoder(w).Encode(AddressResponse{
			Address: Address{
				StreetAddress: "1 ELM ST",
				City:          "SALEM",
				State:         "MA",
				ZIPCode:       "01970",
				ZIPPlus4:      "1234",
			},
			AdditionalInfo: AdditionalInfo{DPVConfirmation: "Y", Business: "N", Vacant: "N"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStandardizeAddress(t *testing.T) {
	tokenCalls := 0
	srv := testServer(t, &tokenCalls)
	client := NewClient("id", "secret", WithBaseURL(srv.URL), WithRateLimit(1000))

	resp, err := client.StandardizeAddress(context.Background(), AddressRequest{
		StreetAddress: "1 elm street",
		City:          "salem",
		State:         "ma",
		ZIPCode:       "01970",
	})
	require.NoError(t, err)

	assert.Equal(t, "1 ELM ST", resp.Address.StreetAddress)
	assert.Equal(t, "01970-1234", resp.ZIP())
	assert.True(t, resp.Deliverable())
	assert.False(t, resp.IsBusiness())
	assert.False(t, resp.IsVacant())
}

func TestTokenIsCached(t *testing.T) {
	tokenCalls := 0
	srv := testServer(t, &tokenCalls)
	client := NewClient("id", "secret", WithBaseURL(srv.URL), WithRateLimit(1000))

	req := AddressRequest{StreetAddress: "1 elm street", City: "salem", State: "ma"}
	_, err := client.StandardizeAddress(context.Background(), req)
	require.NoError(t, err)
	_, err = client.StandardizeAddress(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, tokenCalls)
}

func TestStandardizeAddressErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/v3/token" {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123", "expires_in": 3600})
			return
		}
		http.Error(w, `{"error":"address not found"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	client := NewClient("id", "secret", WithBaseURL(srv.URL), WithRateLimit(1000))

	_, err := client.StandardizeAddress(context.Background(), AddressRequest{StreetAddress: "nowhere"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestStandardizeAddressRetriesServerErrors(t *testing.T) {
	addressCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/v3/token" {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-123", "expires_in": 3600})
			return
		}
		addressCalls++
		if addressCalls < 3 {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(AddressResponse{
			Address:        Address{StreetAddress: "1 ELM ST", City: "SALEM", State: "MA", ZIPCode: "01970"},
			AdditionalInfo: AdditionalInfo{DPVConfirmation: "Y"},
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient("id", "secret", WithBaseURL(srv.URL), WithRateLimit(1000),
		WithRetryPolicy(resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))

	resp, err := client.StandardizeAddress(context.Background(), AddressRequest{StreetAddress: "1 elm st", City: "salem", State: "ma"})
	require.NoError(t, err)
	assert.Equal(t, 3, addressCalls)
	assert.True(t, resp.Deliverable())
}
