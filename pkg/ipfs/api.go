// Package ipfs talks to an IPFS node over its HTTP RPC API and to HTTP
// gateways.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/cas"
)

// DefaultAPIURL is the RPC endpoint of a local Kubo node.
const DefaultAPIURL = "http://127.0.0.1:5001"

// ErrReadOnly is returned by Gateway.Add.
var ErrReadOnly = errors.New("ipfs: gateway is read-only")

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ipfs: %s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

// API is a client for the Kubo RPC API.
type API struct {
	baseURL string
	client  *http.Client
	logger  logrus.FieldLogger
	pin     bool
}

// NewAPI creates an RPC client for baseURL. A nil httpClient gets a client
// without a global timeout; callers bound each request with their context.
func NewAPI(baseURL string, httpClient *http.Client, logger logrus.FieldLogger) *API {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		logger:  logger,
		pin:     true,
	}
}

// Name identifies the endpoint in logs and metrics.
func (a *API) Name() string { return "api" }

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Add uploads data with /api/v0/add and returns the CID the node assigned.
func (a *API) Add(ctx context.Context, data []byte) (cas.Address, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "chunk.bin")
	if err != nil {
		return "", fmt.Errorf("ipfs: create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("ipfs: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("ipfs: close multipart body: %w", err)
	}

	q := url.Values{}
	q.Set("pin", fmt.Sprintf("%t", a.pin))
	endpoint := a.baseURL + "/api/v0/add?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("ipfs: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs: add: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("/api/v0/add", resp)
	}

	var result addResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ipfs: decode add response: %w", err)
	}
	addr, err := cas.ParseAddress(result.Hash)
	if err != nil {
		return "", err
	}

	a.logger.WithFields(logrus.Fields{
		"address":  addr,
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Debug("added chunk to ipfs")
	return addr, nil
}

// Get fetches the bytes of addr with /api/v0/cat.
func (a *API) Get(ctx context.Context, addr cas.Address) ([]byte, error) {
	endpoint := a.baseURL + "/api/v0/cat?arg=" + url.QueryEscape(addr.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ipfs: create request: %w", err)
	}
	return fetch(a.client, req, "/api/v0/cat")
}

// Gateway reads content from an HTTP gateway at <base>/ipfs/<cid>.
type Gateway struct {
	baseURL string
	client  *http.Client
}

// DefaultGatewayURL is the gateway of a local Kubo node.
const DefaultGatewayURL = "http://127.0.0.1:8080"

// NewGateway creates a gateway client for baseURL.
func NewGateway(baseURL string, httpClient *http.Client) *Gateway {
	if baseURL == "" {
		baseURL = DefaultGatewayURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/ipfs")
	return &Gateway{baseURL: baseURL, client: httpClient}
}

// Name identifies the endpoint in logs and metrics.
func (g *Gateway) Name() string { return "gateway" }

// Add always fails with ErrReadOnly.
func (g *Gateway) Add(context.Context, []byte) (cas.Address, error) {
	return "", ErrReadOnly
}

// Get fetches the bytes of addr.
func (g *Gateway) Get(ctx context.Context, addr cas.Address) ([]byte, error) {
	endpoint := g.baseURL + "/ipfs/" + url.PathEscape(addr.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ipfs: create request: %w", err)
	}
	return fetch(g.client, req, "/ipfs")
}

func fetch(client *http.Client, req *http.Request, name string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs: %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ipfs: read %s response: %w", name, err)
	}
	return data, nil
}

func statusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Endpoint: name, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
