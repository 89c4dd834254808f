// Package controlclient is a thin HTTP adapter over the control server's
// documented REST surface (cluster membership, manifest hash polling,
// file-creator lookup). Every call has a fixed timeout and exactly one
// retry; there is no local caching beyond the call's own return value.
package controlclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xtfly/clustershare/common"
)

// ErrServerError wraps a non-2xx response from the control server, the
// condition spec.md's sync engine treats as aborting the current update
// cycle.
var ErrServerError = errors.New("controlclient: server error")

const defaultTimeout = 5 * time.Second

// Client talks to one control server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New returns a Client for the control server at baseURL (e.g.
// "http://control.example.com:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
}

// PeerEntry is one row of a cluster peer list.
type PeerEntry struct {
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// CreateCluster asks the control server to create a new cluster and
// returns its ID.
func (c *Client) CreateCluster() (string, error) {
	body, err := c.doJSON("POST", "/cluster/", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ClusterID string `json:"cluster_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("controlclient: decode create cluster response: %w", err)
	}
	return out.ClusterID, nil
}

// PeerList returns the cluster's current peer list.
func (c *Client) PeerList(clusterID string) ([]PeerEntry, error) {
	body, err := c.doJSON("GET", fmt.Sprintf("/cluster/%s", clusterID), nil)
	if err != nil {
		return nil, err
	}
	var out []PeerEntry
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("controlclient: decode peer list: %w", err)
	}
	return out, nil
}

// Join registers peerID at (ip, port) as a member of clusterID.
func (c *Client) Join(clusterID string, peerID string, ip string, port int) error {
	reqBody, err := json.Marshal(PeerEntry{PeerID: peerID, IP: ip, Port: port})
	if err != nil {
		return err
	}
	_, err = c.doJSON("PUT", fmt.Sprintf("/cluster/%s/", clusterID), reqBody)
	return err
}

// WellnessCheck asks the control server to probe peerID, the step taken
// once a peer crosses from ALIVE to SUSPECT locally.
func (c *Client) WellnessCheck(clusterID, peerID string) error {
	reqBody, err := json.Marshal(struct {
		PeerID string `json:"peer_id"`
	}{PeerID: peerID})
	if err != nil {
		return err
	}
	_, err = c.doJSON("POST", fmt.Sprintf("/cluster/%s/wellness_check", clusterID), reqBody)
	return err
}

// ManifestHash returns the control server's current manifest digest, the
// heartbeat the sync engine polls periodically.
func (c *Client) ManifestHash(clusterID string) (string, error) {
	body, err := c.doJSON("GET", fmt.Sprintf("/cluster/%s/manifestHash", clusterID), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("controlclient: decode manifest hash: %w", err)
	}
	return out.Hash, nil
}

// Manifest returns the full, authoritative manifest bytes.
func (c *Client) Manifest(clusterID string) ([]byte, error) {
	return c.doJSON("GET", fmt.Sprintf("/cluster/%s/manifest", clusterID), nil)
}

// PostManifest appends filenames to the cluster manifest and returns the
// resulting digest.
func (c *Client) PostManifest(clusterID string, filenames []string) (string, error) {
	reqBody, err := json.Marshal(struct {
		Filenames []string `json:"filenames"`
	}{Filenames: filenames})
	if err != nil {
		return "", err
	}
	body, err := c.doJSON("POST", fmt.Sprintf("/cluster/%s/manifest", clusterID), reqBody)
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("controlclient: decode post-manifest response: %w", err)
	}
	return out.Hash, nil
}

// GetFileCreator returns the IP address of fileID's creator, or "" if the
// control server does not know one.
func (c *Client) GetFileCreator(clusterID, fileID string) (string, error) {
	body, err := c.doJSON("GET", fmt.Sprintf("/cluster/%s/getFileCreator?fileId=%s", clusterID, fileID), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("controlclient: decode file creator response: %w", err)
	}
	return out.IP, nil
}

// doJSON performs method against path with an optional JSON request body,
// retrying exactly once on failure.
func (c *Client) doJSON(method, path string, reqBody []byte) ([]byte, error) {
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		body, err := c.attempt(method, url, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err
		common.LOG.Debugf("controlclient: %s %s attempt %d failed: %v", method, url, attempt, err)
	}
	return nil, lastErr
}

func (c *Client) attempt(method, url string, reqBody []byte) ([]byte, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("controlclient: %s %s: status %d", method, url, resp.StatusCode)
	}
	return body, nil
}
