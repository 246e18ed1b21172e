// Package client talks to the tax assistant server: chat streams plus the helper endpoints
// the terminal client needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"taxgpt-api/internal/model"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// New returns a client for the server at baseURL, e.g. http://localhost:3000.
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, newHTTPClient())
}

func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = newHTTPClient()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

// BaseURL is the server root that download paths are relative to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// DownloadURL resolves a path returned by the generate-tax-pdf tool.
func (c *Client) DownloadURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP error! status: %d", e.Status)
	}
	return fmt.Sprintf("HTTP error! status: %d: %s", e.Status, e.Message)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Message != "" {
			msg = payload.Message
		}
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newJSONRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("server status %q", out.Status)
	}
	return nil
}

// Chat runs one non-streamed turn.
func (c *Client) Chat(ctx context.Context, message string, history []model.Message) (string, error) {
	var out model.ChatResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/chat", model.ChatRequest{Message: message, ConversationHistory: history}, &out)
	if err != nil {
		return "", err
	}
	if !out.Success {
		return "", errors.New(out.Error)
	}
	return out.Message, nil
}

// GenerateForm returns the narrative summary of data.
func (c *Client) GenerateForm(ctx context.Context, data model.TaxData) (string, error) {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/generate-form", map[string]interface{}{"taxData": data}, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", errors.New(out.Error)
	}
	return out.Message, nil
}

func (c *Client) Scenarios(ctx context.Context) ([]model.Scenario, error) {
	var out struct {
		Scenarios []model.Scenario `json:"scenarios"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tax-data/scenarios", nil, &out); err != nil {
		return nil, err
	}
	return out.Scenarios, nil
}

func (c *Client) TaxData(ctx context.Context, scenario string) (model.TaxData, error) {
	var out struct {
		Success bool          `json:"success"`
		Data    model.TaxData `json:"data"`
		Error   string        `json:"error"`
	}
	path := "/api/tax-data?scenario=" + url.QueryEscape(scenario)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return model.TaxData{}, err
	}
	if !out.Success {
		return model.TaxData{}, errors.New(out.Error)
	}
	return out.Data, nil
}

// UploadPDF sends a PDF for extraction. The server rejects anything that is not a PDF.
func (c *Client) UploadPDF(ctx context.Context, fileName string, r io.Reader) (model.PDFExtraction, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": fileName}))
	hdr.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return model.PDFExtraction{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return model.PDFExtraction{}, fmt.Errorf("read %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return model.PDFExtraction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/pdf", &buf)
	if err != nil {
		return model.PDFExtraction{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.PDFExtraction{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.PDFExtraction{}, apiError(resp)
	}
	var out model.PDFExtraction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.PDFExtraction{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

// Document is a downloaded PDF.
type Document struct {
	FileName string
	Data     []byte
}

func (c *Client) RecommendationsPDF(ctx context.Context, messages []model.Message, data *model.TaxData) (Document, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	return c.fetchPDF(ctx, "/api/pdf/generate-ai-recommendations", map[string]interface{}{"messages": messages, "taxData": data})
}

func (c *Client) TaxReturnPDF(ctx context.Context, data model.TaxData) (Document, error) {
	return c.fetchPDF(ctx, "/api/pdf/generate-tax-return", map[string]interface{}{"taxData": data})
}

func (c *Client) fetchPDF(ctx context.Context, path string, body interface{}) (Document, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return Document{}, err
	}
	req.Header.Set("Accept", "application/pdf")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Document{}, apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, err
	}
	name := "document.pdf"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return Document{FileName: name, Data: data}, nil
}
