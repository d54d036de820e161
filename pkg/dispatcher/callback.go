package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/workerauth"
)

// PostCallbackResponse delivers a broker response to a remote worker that
// does not share the host's IPC filesystem, via POST /worker/callback/
// response over the worker's loopback tunnel (spec §6: "host→worker writes
// ipc/<group>/responses/<requestId>.json atomically"). The request is
// HMAC-signed the same way worker→host calls are (spec §4.D), using the
// worker's own shared secret.
func PostCallbackResponse(ctx context.Context, httpClient *http.Client, localPort int, sharedSecret, requestID string, response any) error {
	body, err := json.Marshal(map[string]any{
		"requestId": requestID,
		"response":  response,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/worker/callback/response", localPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	req.Header.Set(workerauth.HeaderTimestamp, ts)
	req.Header.Set(workerauth.HeaderRequestID, requestID)
	req.Header.Set(workerauth.HeaderHMAC, workerauth.Sign(sharedSecret, ts, requestID, body))

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTunnelDown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrHTTPFailed, resp.StatusCode)
	}
	return nil
}
