package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"tradecore/internal/exchange"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// doTrading reserves one call from the trading budget, then sends it.
func (c *Client) doTrading(ctx context.Context, method, path string, params url.Values, body any, out any) (http.Header, error) {
	if b := c.tradingBudget(); b != nil {
		if err := b.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%s %s: rate limit: %w", method, path, err)
		}
	}
	return c.doReserved(ctx, method, path, params, body, out)
}

// doReserved sends a trading call whose budget the caller already reserved.
// Every response, failed ones included, refreshes the budget.
func (c *Client) doReserved(ctx context.Context, method, path string, params url.Values, body any, out any) (http.Header, error) {
	header, err := c.doRequest(ctx, method, c.baseURL, path, params, body, out)
	if b := c.tradingBudget(); b != nil && header != nil {
		b.Update(header)
	}
	return header, err
}

// doData paces a market-data query; the data API meters calls apart from trading.
func (c *Client) doData(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.dataPace.Wait(ctx); err != nil {
		return fmt.Errorf("GET %s: data rate: %w", path, err)
	}
	_, err := c.doRequest(ctx, http.MethodGet, c.dataURL, path, params, nil, out)
	return err
}

// doRequest sends an authenticated call and decodes a 2xx body into out.
// The response headers are returned on success and on API errors.
func (c *Client) doRequest(ctx context.Context, method, base, path string, params url.Values, body any, out any) (http.Header, error) {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	urlStr := base + path
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, classify(resp, data)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, fmt.Errorf("read response: %w", err)
	}
	if out == nil || len(data) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.Header, fmt.Errorf("decode response: %w", err)
	}
	return resp.Header, nil
}

func classify(resp *http.Response, data []byte) error {
	apiErr := &exchange.APIError{StatusCode: resp.StatusCode, Header: resp.Header}

	var body apiErrorBody
	if err := json.Unmarshal(data, &body); err == nil && (body.Message != "" || body.Code != 0) {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}

	msg := strings.ToLower(apiErr.Message)
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(msg, "client_order_id") && strings.Contains(msg, "unique"):
		return errors.Join(exchange.ErrDuplicateClientOrderID, apiErr)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Join(exchange.ErrOrderNotFound, apiErr)
	}
	return apiErr
}
