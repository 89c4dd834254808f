package controlclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCluster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster/", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]string{"cluster_id": "abc123"})
	}))
	defer srv.Close()

	id, err := New(srv.URL).CreateCluster()
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
}

func TestPeerList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster/c1", r.URL.Path)
		json.NewEncoder(w).Encode([]PeerEntry{{PeerID: "p1", IP: "127.0.0.1", Port: 7001}})
	}))
	defer srv.Close()

	peers, err := New(srv.URL).PeerList("c1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "p1", peers[0].PeerID)
}

func TestManifestHashAndGetFileCreator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cluster/c1/manifestHash":
			json.NewEncoder(w).Encode(map[string]string{"hash": "deadbeef"})
		case "/cluster/c1/getFileCreator":
			assert.Equal(t, "h123", r.URL.Query().Get("fileId"))
			json.NewEncoder(w).Encode(map[string]string{"ip": "127.0.0.1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	hash, err := c.ManifestHash("c1")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)

	ip, err := c.GetFileCreator("c1", "h123")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}

func TestServerErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ManifestHash("c1")
	assert.ErrorIs(t, err, ErrServerError)
}

func TestWellnessCheckSendsPeerID(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster/c1/wellness_check", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := New(srv.URL).WellnessCheck("c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", gotBody["peer_id"])
}
