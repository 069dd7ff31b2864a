package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/loopdns/loopdns/internal/model"
)

// queryDoH forwards query to p's DoH endpoint as an RFC 8484 POST request and
// returns the opaque response body.
func (t *Transport) queryDoH(ctx context.Context, p *model.Provider, query []byte) (resp []byte, err error) {
	client, err := t.dohClientFor(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dohTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.DoH.URL, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", dohContentType)
	req.Header.Set("Accept", dohContentType)

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", httpResp.Status)
	}

	resp, err = io.ReadAll(io.LimitReader(httpResp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp, nil
}
