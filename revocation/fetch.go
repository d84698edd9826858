package revocation

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxResponseSize bounds CRL and OCSP response bodies.
const DefaultMaxResponseSize = 16 << 20

func fetch(ctx context.Context, client *http.Client, req *http.Request, maxSize int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%s %s: response exceeds %d bytes", req.Method, req.URL, maxSize)
	}
	return data, nil
}
