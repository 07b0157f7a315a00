package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/comfygen/comfygen/graphapi"
)

/*
Routes used:

@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/history/{prompt_id}")
@routes.get("/queue")

@routes.post("/prompt")
@routes.post("/upload/image")
*/

func (c *ComfyClient) get(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading %s: %v", ErrBackendUnavailable, path, err)
	}
	return body, resp.StatusCode, nil
}

// GetSystemStats retrieves the backend host and device information
func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	body, status, err := c.get(ctx, "/system_stats", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("system_stats: unexpected status %d", status)
	}

	retv := &SystemStats{}
	if err := json.Unmarshal(body, retv); err != nil {
		return nil, fmt.Errorf("system_stats: %w", err)
	}
	return retv, nil
}

// QueuePrompt enqueues graph on behalf of sessionID.  The submission is never
// retried since the backend may already have accepted it.
func (c *ComfyClient) QueuePrompt(ctx context.Context, graph graphapi.Graph, sessionID string) (*Job, error) {
	data, err := json.Marshal(graph.GraphToPrompt(sessionID))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading prompt response: %v", ErrBackendUnavailable, err)
	}

	job := &Job{SessionID: sessionID}
	if err := json.Unmarshal(body, job); err == nil && job.PromptID != "" {
		c.log.WithFields(logrus.Fields{
			"prompt_id": job.PromptID,
			"number":    job.Number,
			"session":   sessionID,
		}).Debug("prompt queued")
		return job, nil
	}

	// {"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...}, "node_errors": {}}
	perror := &PromptErrorMessage{}
	if err := json.Unmarshal(body, perror); err == nil && perror.Error.Message != "" {
		c.log.WithFields(logrus.Fields{
			"status":      resp.StatusCode,
			"error_type":  perror.Error.Type,
			"node_errors": string(perror.NodeErrors),
		}).Warn("prompt rejected")
		return nil, fmt.Errorf("%w: %s", ErrBackendRejected, perror.Error.Message)
	}

	c.log.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"body":   truncate(string(body), 512),
	}).Warn("prompt response without prompt_id")
	return nil, fmt.Errorf("%w: status %d", ErrBackendRejected, resp.StatusCode)
}

// GetQueue fetches the current queue.  The result is advisory so every failure,
// including the request outliving the queue timeout, yields an empty snapshot.
func (c *ComfyClient) GetQueue(ctx context.Context) QueueSnapshot {
	if c.queueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queueTimeout)
		defer cancel()
	}
	body, status, err := c.get(ctx, "/queue", nil)
	if err != nil {
		c.log.WithError(err).Debug("queue unavailable")
		return QueueSnapshot{}
	}
	if status != http.StatusOK {
		c.log.WithField("status", status).Debug("queue unavailable")
		return QueueSnapshot{}
	}

	// each entry is [number, prompt_id, prompt, extra_data, outputs]
	var raw struct {
		Running []json.RawMessage `json:"queue_running"`
		Pending []json.RawMessage `json:"queue_pending"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		c.log.WithError(err).Debug("queue undecodable")
		return QueueSnapshot{}
	}
	return QueueSnapshot{
		Running: queueEntryIDs(raw.Running),
		Pending: queueEntryIDs(raw.Pending),
	}
}

func queueEntryIDs(entries []json.RawMessage) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		var fields []json.RawMessage
		if err := json.Unmarshal(e, &fields); err != nil || len(fields) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(fields[1], &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// GetHistory retrieves the execution history of promptID
func (c *ComfyClient) GetHistory(ctx context.Context, promptID string) (*HistoryItem, error) {
	body, status, err := c.get(ctx, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrHistoryMissing, promptID, status)
	}

	history := make(map[string]*HistoryItem)
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("history %s: %w", promptID, err)
	}
	item, ok := history[promptID]
	if !ok || item == nil {
		return nil, fmt.Errorf("%w: %s", ErrHistoryMissing, promptID)
	}
	item.PromptID = promptID
	return item, nil
}

// GetImage downloads the raw bytes of an output file
func (c *ComfyClient) GetImage(ctx context.Context, image_data DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", image_data.Filename)
	params.Add("subfolder", image_data.Subfolder)
	params.Add("type", image_data.Type)

	body, status, err := c.get(ctx, "/view", params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("view %s: unexpected status %d", image_data.Filename, status)
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
