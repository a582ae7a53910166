package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"pnldesk/internal/stream"
)

// pulledKeys are the summary fields the client merges from a pull.
var pulledKeys = []string{"feePaid", "pnl1d", "pnl7d", "pnl30d"}

// HTTPPuller reads GET /pnl/summary/:user_id from the API.
type HTTPPuller struct {
	client *resty.Client
}

func NewHTTPPuller(baseURL string) *HTTPPuller {
	baseURL = strings.TrimSuffix(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)
	return &HTTPPuller{client: client}
}

func (p *HTTPPuller) Pull(ctx context.Context, userID string) (*PullResult, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetPathParam("user_id", userID).
		Get("/pnl/summary/{user_id}")
	if err != nil {
		return nil, errors.Wrapf(err, "pull summary of %s", userID)
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("pull summary of %s: http %d: %s", userID, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return decodePull(userID, resp.Body())
}

func decodePull(userID string, body []byte) (*PullResult, error) {
	var all stream.Summary
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, errors.Wrap(err, "decode summary")
	}

	res := &PullResult{UserID: userID, Fields: make(map[string]float64, len(pulledKeys)), Ts: time.Now().UnixMilli()}
	for _, k := range pulledKeys {
		if v, ok := all[k]; ok {
			res.Fields[k] = v
		}
	}
	return res, nil
}
