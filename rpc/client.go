package rpc

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/json"
)

type (
	// Client is a simple JSON-RPC over HTTP client for the iostat daemon.
	Client struct {
		URL        string
		HTTPClient *http.Client
	}
)

// NewClient creates a new client.  This only communicates with 127.0.0.1.
func NewClient(port uint) (*Client, error) {
	c := &Client{
		URL:        fmt.Sprintf("http://127.0.0.1:%d%s", port, RPCPath),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
	return c, nil
}

// Do calls an RPC method
func (c *Client) Do(method string, request interface{}, response interface{}) error {
	data, err := json.EncodeClientRequest(method, request)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Post(c.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.DecodeClientResponse(resp.Body, &response)
}
