// Package http implements store.Client against an etcd v2-style REST
// keyspace API. It exists to give the reconciliation core a concrete,
// exercised collaborator; it carries no behavior beyond the contract
// internal/store defines.
package http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/nodeplane/kvreconciler/internal/snapshot"
	"github.com/nodeplane/kvreconciler/internal/store"
)

const (
	headerEtcdIndex     = "X-Etcd-Index"
	headerEtcdClusterID = "X-Etcd-Cluster-Id"
)

// Client is an etcd v2 store.Client. It is not safe for concurrent use:
// every call may record the observed cluster identity without
// synchronization. The watcher loop issues one call at a time.
type Client struct {
	baseURL   string
	clusterID string
	hc        *retryablehttp.Client
}

// New builds a Client talking to baseURL (e.g. "http://127.0.0.1:2379").
// expectedClusterID, if non-empty, is checked against the cluster-id
// header of every response; if empty, the first cluster id seen is
// adopted and checked from then on. A response whose cluster id differs
// fails its call with store.ClusterIDChangedError.
func New(baseURL string, expectedClusterID string) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.Logger = nil

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		clusterID: expectedClusterID,
		hc:        hc,
	}
}

// ClusterID implements store.Client.
func (c *Client) ClusterID() string { return c.clusterID }

// Close implements store.Client. The underlying *retryablehttp.Client
// has no persistent resources beyond its *http.Client's connection
// pool, which net/http reclaims on idle timeout.
func (c *Client) Close() error { return nil }

func (c *Client) keysURL(key string, query url.Values) string {
	u := c.baseURL + "/v2/keys" + key
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) checkClusterID(resp *http.Response) error {
	got := resp.Header.Get(headerEtcdClusterID)
	if got == "" {
		return nil
	}
	if c.clusterID == "" {
		c.clusterID = got
		return nil
	}
	if got != c.clusterID {
		return errors.WithStack(&store.ClusterIDChangedError{Previous: c.clusterID, Current: got})
	}
	return nil
}

func etcdIndexOf(resp *http.Response) int64 {
	idx, _ := strconv.ParseInt(resp.Header.Get(headerEtcdIndex), 10, 64)
	return idx
}

// Snapshot implements store.Client by issuing a recursive GET and
// streaming the response body through a snapshot.Reader.
func (c *Client) Snapshot(ctx context.Context, prefix string) (int64, store.SnapshotReader, error) {
	q := url.Values{"recursive": {"true"}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.keysURL(prefix, q), nil)
	if err != nil {
		return 0, nil, errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}

	if err := c.checkClusterID(resp); err != nil {
		resp.Body.Close()
		return 0, nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return 0, nil, errors.WithStack(&store.KeyNotFoundError{Key: prefix})
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return 0, nil, errors.WithStack(&store.ConnectionFailedError{
			Cause: fmt.Errorf("unexpected status %d from remote store", resp.StatusCode),
		})
	}

	index := etcdIndexOf(resp)
	return index, snapshot.New(resp.Body), nil
}

// Wait implements store.Client by issuing a long-poll GET with
// wait=true&waitIndex=fromIndex and decoding the single-event response.
func (c *Client) Wait(ctx context.Context, prefix string, fromIndex int64, timeout store.Timeout) (store.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout.Connect+timeout.Read)
	defer cancel()

	q := url.Values{
		"wait":      {"true"},
		"recursive": {"true"},
		"waitIndex": {strconv.FormatInt(fromIndex, 10)},
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.keysURL(prefix, q), nil)
	if err != nil {
		return store.Event{}, errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return store.Event{}, &timeoutError{cause: ctxErr}
		}
		return store.Event{}, errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}
	defer resp.Body.Close()

	if err := c.checkClusterID(resp); err != nil {
		return store.Event{}, err
	}

	if resp.StatusCode == http.StatusGone {
		return store.Event{}, errors.WithStack(&store.EventIndexClearedError{Requested: fromIndex})
	}
	if resp.StatusCode != http.StatusOK {
		return store.Event{}, errors.WithStack(&store.ConnectionFailedError{
			Cause: fmt.Errorf("unexpected status %d from remote store", resp.StatusCode),
		})
	}

	var wire struct {
		Action string `json:"action"`
		Node   struct {
			Key           string `json:"key"`
			Value         string `json:"value"`
			ModifiedIndex int64  `json:"modifiedIndex"`
		} `json:"node"`
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return store.Event{}, errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}

	return store.Event{
		Action:        wire.Action,
		Key:           wire.Node.Key,
		Value:         wire.Node.Value,
		ModifiedIndex: wire.Node.ModifiedIndex,
	}, nil
}

// Get implements store.Client with a single non-recursive read, used by
// the watcher loop's readiness gate.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.keysURL(key, nil), nil)
	if err != nil {
		return "", errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}
	defer resp.Body.Close()

	if err := c.checkClusterID(resp); err != nil {
		return "", err
	}

	if resp.StatusCode == http.StatusNotFound {
		return "", errors.WithStack(&store.KeyNotFoundError{Key: key})
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.WithStack(&store.ConnectionFailedError{
			Cause: fmt.Errorf("unexpected status %d from remote store", resp.StatusCode),
		})
	}

	var wire struct {
		Node struct {
			Value string `json:"value"`
		} `json:"node"`
	}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", errors.WithStack(&store.ConnectionFailedError{Cause: err})
	}
	return wire.Node.Value, nil
}

// timeoutError reports store.IsTimeout(err) == true: the watcher loop's
// Recoverable-Transient case, which rebuilds the connection and retries
// without a resync.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string { return "store/http: read timeout: " + e.cause.Error() }
func (e *timeoutError) Timeout() bool { return true }
func (e *timeoutError) Unwrap() error { return e.cause }
