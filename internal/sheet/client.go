package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/odyssey-erp/storeflow/internal/workflow"
)

// Client talks to the spreadsheet web API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type envelope struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
	Error   string            `json:"error"`
	Message string            `json:"message"`
	FileURL string            `json:"fileUrl"`
}

func (e envelope) failure() string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return "remote reported failure"
}

// Fetch loads every row of sheet.
func (c *Client) Fetch(ctx context.Context, sheet string) ([]workflow.Row, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, &RemoteError{Op: "fetch", Sheet: sheet, Err: err}
	}
	query := endpoint.Query()
	query.Set("sheet", sheet)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &RemoteError{Op: "fetch", Sheet: sheet, Err: err}
	}
	env, err := c.do(req, "fetch", sheet)
	if err != nil {
		return nil, err
	}
	rows := make([]workflow.Row, 0, len(env.Data))
	for _, raw := range env.Data {
		row, err := decodeRow(raw)
		if err != nil {
			return nil, &RemoteError{Op: "fetch", Sheet: sheet, Message: "malformed row", Err: err}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type postBody struct {
	SheetName string           `json:"sheetName"`
	Action    Op               `json:"action"`
	Rows      []map[string]any `json:"rows"`
}

// Post submits patches to sheet.
func (c *Client) Post(ctx context.Context, sheet string, op Op, patches []workflow.Patch) error {
	if err := validOp(op); err != nil {
		return err
	}
	body := postBody{SheetName: sheet, Action: op, Rows: make([]map[string]any, 0, len(patches))}
	for _, patch := range patches {
		row := patch.Row()
		if op == OpUpdate {
			handle, err := remoteHandle(patch.Handle)
			if err != nil {
				return err
			}
			row[workflow.RowHandleKey] = handle
		}
		body.Rows = append(body.Rows, row)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return &RemoteError{Op: string(op), Sheet: sheet, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, string(op), sheet)
	return err
}

// Upload stores a file and returns its public URL.
func (c *Client) Upload(ctx context.Context, file File) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if file.Folder != "" {
		if err := writer.WriteField("folder", file.Folder); err != nil {
			return "", err
		}
	}
	part, err := writer.CreateFormFile("file", file.Name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file.Body); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s?action=upload", c.baseURL), body)
	if err != nil {
		return "", &RemoteError{Op: "upload", Sheet: file.Name, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	env, err := c.do(req, "upload", file.Name)
	if err != nil {
		return "", err
	}
	if env.FileURL == "" {
		return "", &RemoteError{Op: "upload", Sheet: file.Name, Message: "missing file url"}
	}
	return env.FileURL, nil
}

func (c *Client) do(req *http.Request, op, sheet string) (envelope, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, &RemoteError{Op: op, Sheet: sheet, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return envelope{}, &RemoteError{Op: op, Sheet: sheet, Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, &RemoteError{Op: op, Sheet: sheet, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if !env.Success {
		return envelope{}, &RemoteError{Op: op, Sheet: sheet, Status: resp.StatusCode, Message: env.failure()}
	}
	return env, nil
}

func decodeRow(raw []byte) (workflow.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row workflow.Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	if row == nil {
		row = workflow.Row{}
	}
	return row, nil
}

// remoteHandle converts a handle into the numeric row index the web API
// expects.
func remoteHandle(handle workflow.RowHandle) (int64, error) {
	n, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return n, nil
}
