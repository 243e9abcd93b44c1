// Package sheet is a typed HTTP client for the external tabular store.
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const requestTimeout = 30 * time.Second

// Row is one spreadsheet line as the store reports it. Index is the store's
// stable row handle, used for in-place updates.
type Row struct {
	Index  int      `json:"index"`
	Values []string `json:"values"`
}

// APIError is a non-2xx response from the tabular store.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sheet api error: status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL string
	sheetID string
	token   string
	client  *http.Client
}

func NewClient(baseURL, sheetID, token string) *Client {
	return &Client{
		baseURL: baseURL,
		sheetID: sheetID,
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) rowsEndpoint() string {
	return fmt.Sprintf("%s/v1/sheets/%s/rows", c.baseURL, url.PathEscape(c.sheetID))
}

// ListRows fetches every row of the sheet.
func (c *Client) ListRows(ctx context.Context) ([]Row, error) {
	var parsed struct {
		Rows []Row `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, c.rowsEndpoint(), nil, &parsed); err != nil {
		return nil, err
	}
	return parsed.Rows, nil
}

// AppendRow adds a row at the end of the sheet.
func (c *Client) AppendRow(ctx context.Context, values []string) error {
	body := struct {
		Values []string `json:"values"`
	}{Values: values}
	return c.do(ctx, http.MethodPost, c.rowsEndpoint(), body, nil)
}

// UpdateRow replaces the row at the given index in place.
func (c *Client) UpdateRow(ctx context.Context, index int, values []string) error {
	body := struct {
		Values []string `json:"values"`
	}{Values: values}
	endpoint := fmt.Sprintf("%s/%d", c.rowsEndpoint(), index)
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed sheet response: %w", err)
	}
	return nil
}

func errorMessage(body []byte, statusText string) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return statusText
}
