package oracle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"guardloop/internal/model"
)

// Transport is the wire boundary between the Oracle Client and the actual
// permission/quota service, so tests can substitute an in-memory fake
// instead of standing up a server.
type Transport interface {
	FetchVerdict(ctx context.Context, childID string, activity model.ActivityKind) (model.OracleVerdict, error)
	OpenStateChangeStream(ctx context.Context) (StateChangeStream, error)
}

// StateChangeStream yields one verdict per push notification from the
// oracle until Close is called or the underlying connection drops.
type StateChangeStream interface {
	Next(ctx context.Context) (model.OracleVerdict, error)
	Close() error
}

// httpTransport is the real Transport: a plain JSON GET for checks, and a
// newline-delimited-JSON long-lived GET for the push stream. The oracle is
// a black-box external service (spec non-goal); this is the minimal shape
// that satisfies "query a (child, activity) pair" and "subscribe to push
// state-change events".
type httpTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport builds the default Transport against baseURL.
func NewHTTPTransport(baseURL string, timeout time.Duration) Transport {
	return &httpTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type verdictWire struct {
	ChildID          string `json:"child_id"`
	Activity         string `json:"activity"`
	Allowed          bool   `json:"allowed"`
	Banned           bool   `json:"banned"`
	RemainingSeconds int    `json:"remaining_seconds"`
	AsOf             string `json:"as_of"`
}

func (w verdictWire) toModel() model.OracleVerdict {
	asOf, _ := time.Parse(time.RFC3339, w.AsOf)
	return model.OracleVerdict{
		ChildID:          w.ChildID,
		Activity:         model.ActivityKind(w.Activity),
		Allowed:          w.Allowed,
		Banned:           w.Banned,
		RemainingSeconds: w.RemainingSeconds,
		AsOf:             asOf,
	}
}

func (t *httpTransport) FetchVerdict(ctx context.Context, childID string, activity model.ActivityKind) (model.OracleVerdict, error) {
	u := fmt.Sprintf("%s/verdict?child_id=%s&activity=%s", t.baseURL, url.QueryEscape(childID), url.QueryEscape(string(activity)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.OracleVerdict{}, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.OracleVerdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.OracleVerdict{}, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var wire verdictWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return model.OracleVerdict{}, fmt.Errorf("decode oracle verdict: %w", err)
	}
	return wire.toModel(), nil
}

type httpStateChangeStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

func (t *httpTransport) OpenStateChangeStream(ctx context.Context) (StateChangeStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/state-changes", nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("oracle state-change stream returned status %d", resp.StatusCode)
	}

	return &httpStateChangeStream{resp: resp, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (s *httpStateChangeStream) Next(ctx context.Context) (model.OracleVerdict, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return model.OracleVerdict{}, err
		}
		return model.OracleVerdict{}, fmt.Errorf("oracle state-change stream closed")
	}
	var wire verdictWire
	if err := json.Unmarshal(s.scanner.Bytes(), &wire); err != nil {
		return model.OracleVerdict{}, fmt.Errorf("decode state-change event: %w", err)
	}
	return wire.toModel(), nil
}

func (s *httpStateChangeStream) Close() error {
	return s.resp.Body.Close()
}
