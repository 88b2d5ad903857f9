package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"driftfs/pkg/errdefs"
	"driftfs/pkg/metrics"
)

// Client talks to a single storage node's data endpoints. Calls are
// individually timeout-bounded by the caller's context; a stuck node must not
// stall requests touching other nodes.
type Client interface {
	Store(ctx context.Context, fileID string, data []byte) error
	Retrieve(ctx context.Context, fileID string) ([]byte, error)
	Delete(ctx context.Context, fileID string) error
	Checksum(ctx context.Context, fileID string) (string, error)
	Health(ctx context.Context) error
}

// NodeClient is the HTTP implementation of Client with retry and a circuit
// breaker per node.
type NodeClient struct {
	nodeID  string
	baseURL string
	client  *http.Client
	config  ClientConfig
	cb      *gobreaker.CircuitBreaker
}

var _ Client = (*NodeClient)(nil)

func NewNodeClient(nodeID, baseURL string, client *http.Client, config ClientConfig) *NodeClient {
	cbSettings := gobreaker.Settings{
		Name:        fmt.Sprintf("node-%s", nodeID),
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}

	return &NodeClient{
		nodeID:  nodeID,
		baseURL: baseURL,
		client:  client,
		config:  config,
		cb:      gobreaker.NewCircuitBreaker(cbSettings),
	}
}

func (nc *NodeClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = nc.config.RetryDelay
	b.MaxElapsedTime = time.Duration(nc.config.RetryAttempts) * nc.config.RetryDelay
	return backoff.WithContext(b, ctx)
}

// Store uploads the file content to the node's /store endpoint.
func (nc *NodeClient) Store(ctx context.Context, fileID string, data []byte) error {
	_, err := nc.cb.Execute(func() (interface{}, error) {
		return nil, nc.executeStore(ctx, fileID, data)
	})
	if err != nil {
		metrics.NodeTransportErrorsTotal.WithLabelValues("store", nc.nodeID).Inc()
	}
	return err
}

func (nc *NodeClient) executeStore(ctx context.Context, fileID string, data []byte) error {
	operation := func() error {
		url := fmt.Sprintf("%s/store/%s", nc.baseURL, fileID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create store request for %s: %w", fileID, err))
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := nc.client.Do(req)
		if err != nil {
			return fmt.Errorf("store %s on %s: %w: %v", fileID, nc.nodeID, errdefs.ErrNodeUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("store %s on %s failed with status %d: %s", fileID, nc.nodeID, resp.StatusCode, string(body))
		}
		return nil
	}

	return backoff.Retry(operation, nc.newBackOff(ctx))
}

// Retrieve fetches the file content from the node.
func (nc *NodeClient) Retrieve(ctx context.Context, fileID string) ([]byte, error) {
	result, err := nc.cb.Execute(func() (interface{}, error) {
		return nc.executeRetrieve(ctx, fileID)
	})
	if err != nil {
		metrics.NodeTransportErrorsTotal.WithLabelValues("retrieve", nc.nodeID).Inc()
		return nil, err
	}
	return result.([]byte), nil
}

func (nc *NodeClient) executeRetrieve(ctx context.Context, fileID string) ([]byte, error) {
	var result []byte

	operation := func() error {
		url := fmt.Sprintf("%s/retrieve/%s", nc.baseURL, fileID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := nc.client.Do(req)
		if err != nil {
			return fmt.Errorf("retrieve %s from %s: %w: %v", fileID, nc.nodeID, errdefs.ErrNodeUnavailable, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			result, err = io.ReadAll(resp.Body)
			return err
		case http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("file %s on %s: %w", fileID, nc.nodeID, errdefs.ErrFileNotFound))
		default:
			return fmt.Errorf("node %s returned status %d", nc.nodeID, resp.StatusCode)
		}
	}

	if err := backoff.Retry(operation, nc.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the file from the node. Missing files are treated as
// success for idempotency.
func (nc *NodeClient) Delete(ctx context.Context, fileID string) error {
	_, err := nc.cb.Execute(func() (interface{}, error) {
		return nil, nc.executeDelete(ctx, fileID)
	})
	if err != nil {
		metrics.NodeTransportErrorsTotal.WithLabelValues("delete", nc.nodeID).Inc()
	}
	return err
}

func (nc *NodeClient) executeDelete(ctx context.Context, fileID string) error {
	operation := func() error {
		url := fmt.Sprintf("%s/delete/%s", nc.baseURL, fileID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := nc.client.Do(req)
		if err != nil {
			return fmt.Errorf("delete %s from %s: %w: %v", fileID, nc.nodeID, errdefs.ErrNodeUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("delete %s from %s failed with status %d: %s", fileID, nc.nodeID, resp.StatusCode, string(body))
		}
		return nil
	}

	return backoff.Retry(operation, nc.newBackOff(ctx))
}

// Checksum asks the node for the SHA-256 of its stored copy, letting the
// reconciler verify content without transferring it.
func (nc *NodeClient) Checksum(ctx context.Context, fileID string) (string, error) {
	result, err := nc.cb.Execute(func() (interface{}, error) {
		return nc.executeChecksum(ctx, fileID)
	})
	if err != nil {
		metrics.NodeTransportErrorsTotal.WithLabelValues("checksum", nc.nodeID).Inc()
		return "", err
	}
	return result.(string), nil
}

func (nc *NodeClient) executeChecksum(ctx context.Context, fileID string) (string, error) {
	url := fmt.Sprintf("%s/checksum/%s", nc.baseURL, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := nc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("checksum %s on %s: %w: %v", fileID, nc.nodeID, errdefs.ErrNodeUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Checksum string `json:"checksum"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decode checksum response from %s: %w", nc.nodeID, err)
		}
		return body.Checksum, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("file %s on %s: %w", fileID, nc.nodeID, errdefs.ErrFileNotFound)
	default:
		return "", fmt.Errorf("node %s returned status %d", nc.nodeID, resp.StatusCode)
	}
}

// Health probes the node's /health endpoint.
func (nc *NodeClient) Health(ctx context.Context) error {
	_, err := nc.cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/health", nc.baseURL)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := nc.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("health check on %s: %w: %v", nc.nodeID, errdefs.ErrNodeUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("node %s returned non-200 status: %d", nc.nodeID, resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// CircuitState returns the current state of the circuit breaker.
func (nc *NodeClient) CircuitState() string {
	switch nc.cb.State() {
	case gobreaker.StateClosed:
		return "CLOSED"
	case gobreaker.StateHalfOpen:
		return "HALF-OPEN"
	case gobreaker.StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// IsAvailable reports whether the circuit is not open.
func (nc *NodeClient) IsAvailable() bool {
	return nc.cb.State() != gobreaker.StateOpen
}
