package indexer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(" ", 0)
	assert.Error(t, err)

	c, err := New("http://localhost", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout)
}

func TestPerpetuals(t *testing.T) {
	testCases := []struct {
		name     string
		handler  http.HandlerFunc
		validate func(t *testing.T, got []Perpetual, err error)
	}{
		{
			name: "Happy Path - decodes perpetual records",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				var req graphRequest
				require.NoError(t, json.Unmarshal(body, &req))
				assert.Equal(t, perpetualsQuery, req.Query)
				_, _ = w.Write([]byte(`{"data":{"perpetuals":[
					{"id":"0x00000000000000000000000000000000000000a1-0","oracleAddress":"0x00000000000000000000000000000000000000e1"},
					{"id":"0x00000000000000000000000000000000000000a1-1","oracleAddress":"0x00000000000000000000000000000000000000e2"}]}}`))
			},
			validate: func(t *testing.T, got []Perpetual, err error) {
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "0x00000000000000000000000000000000000000a1-1", got[1].ID)
				assert.Equal(t, "0x00000000000000000000000000000000000000e2", got[1].OracleAddress)
			},
		},
		{
			name: "Empty result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":{"perpetuals":[]}}`))
			},
			validate: func(t *testing.T, got []Perpetual, err error) {
				require.NoError(t, err)
				assert.Empty(t, got)
			},
		},
		{
			name: "Non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad gateway", http.StatusBadGateway)
			},
			validate: func(t *testing.T, got []Perpetual, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "status 502")
			},
		},
		{
			name: "GraphQL errors",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"indexing error"}]}`))
			},
			validate: func(t *testing.T, got []Perpetual, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "indexing error")
			},
		},
		{
			name: "Malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"data":`))
			},
			validate: func(t *testing.T, got []Perpetual, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "decode response")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c, err := New(srv.URL, time.Second)
			require.NoError(t, err)
			got, err := c.Perpetuals(context.Background())
			tc.validate(t, got, err)
		})
	}

	t.Run("Timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer srv.Close()

		c, err := New(srv.URL, 20*time.Millisecond)
		require.NoError(t, err)
		_, err = c.Perpetuals(context.Background())
		assert.Error(t, err)
	})
}
