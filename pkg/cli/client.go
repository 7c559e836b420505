package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"shapelake/internal/domain"
)

// Client is a thin HTTP client for the session API.
type Client struct {
	host string
	http *http.Client
}

// NewClient creates a client for the given host URL.
func NewClient(host string) *Client {
	return &Client{
		host: strings.TrimRight(host, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// apiError is the server's JSON error envelope.
type apiError struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// CreateSession starts a new pending session.
func (c *Client) CreateSession() (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(http.MethodPost, "/v1/sessions", nil, "", &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches the session aggregate.
func (c *Client) GetSession(id string) (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(http.MethodGet, "/v1/sessions/"+id, nil, "", &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes the session and its staged components.
func (c *Client) DeleteSession(id string) error {
	return c.do(http.MethodDelete, "/v1/sessions/"+id, nil, "", nil)
}

// UploadComponent streams a local file as one bundle component.
func (c *Client) UploadComponent(id string, kind domain.ComponentKind, path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return err
	}
	defer f.Close()
	return c.do(http.MethodPut,
		fmt.Sprintf("/v1/sessions/%s/components/%s", id, kind),
		f, "application/octet-stream", nil)
}

// SetSchema submits a manual schema.
func (c *Client) SetSchema(id string, fields []domain.SchemaField) error {
	return c.doJSON(http.MethodPut, "/v1/sessions/"+id+"/schema",
		map[string]any{"fields": fields}, nil)
}

// SetDestination configures the destination table.
func (c *Client) SetDestination(id string, dest domain.DestinationConfig) error {
	return c.doJSON(http.MethodPut, "/v1/sessions/"+id+"/destination", dest, nil)
}

// StartParse triggers the parse pass.
func (c *Client) StartParse(id string) error {
	return c.do(http.MethodPost, "/v1/sessions/"+id+"/parse", nil, "", nil)
}

// StartUpload triggers the upload pass.
func (c *Client) StartUpload(id string) error {
	return c.do(http.MethodPost, "/v1/sessions/"+id+"/upload", nil, "", nil)
}

// Cancel requests cancellation of the active pass.
func (c *Client) Cancel(id string) error {
	return c.do(http.MethodPost, "/v1/sessions/"+id+"/cancel", nil, "", nil)
}

// WaitFor polls the session until it reaches the wanted status, fails, or the
// timeout elapses.
func (c *Client) WaitFor(id string, want domain.SessionStatus, timeout time.Duration) (*domain.Session, error) {
	deadline := time.Now().Add(timeout)
	for {
		sess, err := c.GetSession(id)
		if err != nil {
			return nil, err
		}
		if sess.Status == want {
			return sess, nil
		}
		if sess.Status == domain.StatusFailed {
			return sess, fmt.Errorf("session failed (%s): %s", sess.ErrorKind, sess.ErrorMessage)
		}
		if time.Now().After(deadline) {
			return sess, fmt.Errorf("timed out waiting for %s (session is %s)", want, sess.Status)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (c *Client) doJSON(method, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(method, path, bytes.NewReader(data), "application/json", out)
}

func (c *Client) do(method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequest(method, c.host+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("http %d from %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
