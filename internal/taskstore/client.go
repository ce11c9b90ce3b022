package taskstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"taskpulse/internal/config"
	"taskpulse/internal/models"
)

// ErrNotFound is returned when the store has no record for the given id.
var ErrNotFound = errors.New("taskstore: not found")

// Client talks to the external task-store service. Calls are synchronous
// request/response with their own timeout, independent of the bus.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the store at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FromConfig builds a client from the application config.
func FromConfig() *Client {
	cfg := config.Get()
	return NewClient(cfg.TaskStoreURL, cfg.TaskStoreTimeout)
}

// DueReminders returns pending reminders with scheduled_time <= before.
func (c *Client) DueReminders(ctx context.Context, before time.Time, limit int) ([]models.Reminder, error) {
	q := url.Values{}
	q.Set("before", before.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))
	var out []models.Reminder
	if err := c.do(ctx, http.MethodGet, "/internal/reminders/due?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkReminder transitions a reminder to the given status.
func (c *Client) MarkReminder(ctx context.Context, id string, status models.ReminderStatus) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPut, "/internal/reminders/"+id+"/status", body, nil)
}

// CancelReminder cancels the pending reminder for a task, if any. Returns
// false when there was nothing to cancel (already fired, or no reminder).
func (c *Client) CancelReminder(ctx context.Context, taskID string) (bool, error) {
	err := c.do(ctx, http.MethodPost, "/internal/tasks/"+taskID+"/reminders/cancel", nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateTask creates a new task instance in the store.
func (c *Client) CreateTask(ctx context.Context, task models.NewTask) (models.Task, error) {
	var out models.Task
	if err := c.do(ctx, http.MethodPost, "/internal/tasks", task, &out); err != nil {
		return models.Task{}, err
	}
	return out, nil
}

// GetTask fetches a task by id. Returns ErrNotFound for unknown ids.
func (c *Client) GetTask(ctx context.Context, id string) (models.Task, error) {
	var out models.Task
	if err := c.do(ctx, http.MethodGet, "/internal/tasks/"+id, nil, &out); err != nil {
		return models.Task{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("taskstore: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("taskstore: %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
