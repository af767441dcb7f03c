package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

func httpRequest(ctx context.Context, endpoint string, data []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return req, nil
}

func decodeURI(resp *http.Response) (string, error) {
	var out struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.URI, nil
}
