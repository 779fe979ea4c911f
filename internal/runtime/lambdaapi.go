package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LambdaAPI invokes functions through a Lambda Invoke endpoint, such as the one
// served by serverless-offline or the runtime interface emulator. The remote side
// owns the code, so Load never touches the disk.
type LambdaAPI struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

func (l LambdaAPI) Load(path string) (Module, error) {
	return lambdaModule{api: l}, nil
}

type lambdaModule struct{ api LambdaAPI }

func (m lambdaModule) Lookup(symbol string) (Function, bool) {
	return lambdaFunction{api: m.api}, true
}

type lambdaFunction struct{ api LambdaAPI }

func (f lambdaFunction) Invoke(ctx context.Context, inv Invocation) ([]byte, error) {
	body, err := json.Marshal(inv.Event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	clientCtx, err := json.Marshal(map[string]any{"custom": map[string]any{"context": inv.Context}})
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	client := f.api.Client
	if client == nil {
		timeout := f.api.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	u := strings.TrimRight(f.api.Endpoint, "/") + "/2015-03-31/functions/" + url.PathEscape(inv.FunctionID) + "/invocations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Amz-Invocation-Type", "RequestResponse")
	req.Header.Set("X-Amz-Client-Context", base64.StdEncoding.EncodeToString(clientCtx))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read invoke response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, inv.FunctionID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("invoke HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	if fe := resp.Header.Get("X-Amz-Function-Error"); fe != "" {
		return respBody, fmt.Errorf("function error (%s): %s", fe, string(respBody))
	}
	return respBody, nil
}
