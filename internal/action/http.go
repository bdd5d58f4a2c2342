package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

// maxResponseBytes caps how much of a response body is kept in context.
const maxResponseBytes = 4 << 20

func (d *Dispatcher) runHTTPRequest(ctx context.Context, a model.HTTPRequestAction, doc map[string]any) (map[string]any, error) {
	target := Interpolate(a.URL, doc)
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, Permanent(fmt.Errorf("invalid url %q", target))
	}
	method := strings.ToUpper(a.Method)

	if a.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	body, contentType, err := encodeBody(a.Body, doc)
	if err != nil {
		return nil, Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("building request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, Interpolate(v, doc))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	host := u.Host
	if err := d.breakers.Allow(host); err != nil {
		d.metrics.RecordOutboundRequest(host, "breaker_open")
		return nil, fmt.Errorf("%s %s: %w", method, host, err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.breakers.Failure(host)
		d.metrics.RecordOutboundRequest(host, "error")
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		d.breakers.Failure(host)
		d.metrics.RecordOutboundRequest(host, "error")
		return nil, fmt.Errorf("reading response from %s: %w", host, err)
	}

	if resp.StatusCode >= 500 {
		d.breakers.Failure(host)
	} else {
		d.breakers.Success(host)
	}
	d.metrics.RecordOutboundRequest(host, strconv.Itoa(resp.StatusCode))
	d.logger.Debug("http action completed",
		zap.String("method", method),
		zap.String("host", host),
		zap.Int("status", resp.StatusCode),
	)

	return map[string]any{
		"status": resp.StatusCode,
		"data":   decodeBody(raw),
	}, nil
}

func encodeBody(body any, doc map[string]any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(Interpolate(b, doc)), "", nil
	default:
		raw, err := json.Marshal(InterpolateValue(b, doc))
		if err != nil {
			return nil, "", fmt.Errorf("encoding body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// decodeBody returns parsed JSON when the body is JSON and the raw text
// otherwise.
func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return string(raw)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return string(raw)
	}
	return data
}
