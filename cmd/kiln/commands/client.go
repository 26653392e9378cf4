package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/kiln/am"
	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/events"
	"github.com/teranos/kiln/version"
)

const apiTimeout = 30 * time.Second

var serverURL string

// apiBase returns the --server flag or the configured local port
func apiBase() (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := am.Load()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.GetServerPort()), nil
}

type apiError struct {
	Error string   `json:"error"`
	Kind  string   `json:"kind"`
	Hints []string `json:"hints"`
}

// postAPI sends a bodiless POST to a running `kiln serve` and decodes the reply into out.
// Error replies keep their kind.
func postAPI(ctx context.Context, path string, out any) error {
	base, err := apiBase()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", version.Get().UserAgent())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "failed to reach kiln server at %s", base),
			"cancelling needs the process that started the run; start it with `kiln serve`")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return errors.Newf("server returned %s", resp.Status)
		}
		return remoteError(apiErr)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode server response")
}

func remoteError(e apiError) error {
	var err error
	switch e.Kind {
	case "not_found":
		err = errors.NewNotFoundError("%s", e.Error)
	case "validation":
		err = errors.NewValidationError("%s", e.Error)
	default:
		err = errors.New(e.Error)
	}
	for _, h := range e.Hints {
		err = errors.WithHint(err, h)
	}
	return err
}

// followEvents subscribes to the server's event stream and calls onOutput
// for runID's lines until its run-status event arrives or ctx ends.
func followEvents(ctx context.Context, runID string, onConnected func() (*events.RunStatus, error), onOutput func(events.RunOutput)) (*events.RunStatus, error) {
	base, err := apiBase()
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server url %s", base)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"

	header := http.Header{"User-Agent": []string{version.Get().UserAgent()}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", u)
	}
	defer conn.Close()

	// The run may have ended before the subscription existed
	if onConnected != nil {
		if st, err := onConnected(); err != nil || st != nil {
			return st, err
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "event stream closed")
		}

		switch msg.Type {
		case events.EventRunOutput:
			var o events.RunOutput
			if err := json.Unmarshal(msg.Payload, &o); err == nil && o.RunID == runID {
				onOutput(o)
			}
		case events.EventRunStatus:
			var st events.RunStatus
			if err := json.Unmarshal(msg.Payload, &st); err == nil && st.RunID == runID {
				return &st, nil
			}
		}
	}
}
