package aria2

import (
	"context"
	"encoding/json"
	"fmt"
)

// batchPageSize bounds tellWaiting/tellStopped pagination.
const batchPageSize = 1000

// AddURI submits a new transfer and returns its gid. opts are aria2 input
// options, e.g. "dir", "out", "header".
func (c *Client) AddURI(ctx context.Context, uri string, opts map[string]any) (string, error) {
	raw, err := c.call(ctx, "aria2.addUri", []string{uri}, opts)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(raw, &gid); err != nil {
		return "", fmt.Errorf("addUri: invalid response: %w", err)
	}
	return gid, nil
}

// Pause pauses the transfer.
func (c *Client) Pause(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.pause", gid)
	return err
}

// Unpause resumes a paused transfer.
func (c *Client) Unpause(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.unpause", gid)
	return err
}

// ForceRemove removes the transfer without waiting for cleanup inside the
// daemon.
func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.forceRemove", gid)
	return err
}

// RemoveDownloadResult drops a finished/errored transfer from the daemon's
// result table.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	_, err := c.call(ctx, "aria2.removeDownloadResult", gid)
	return err
}

// TellStatus fetches the current status of one transfer.
func (c *Client) TellStatus(ctx context.Context, gid string) (Status, error) {
	raw, err := c.call(ctx, "aria2.tellStatus", gid, statusKeys)
	if err != nil {
		return Status{}, err
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, fmt.Errorf("tellStatus: invalid response: %w", err)
	}
	return status, nil
}

// TellActive lists transfers currently downloading.
func (c *Client) TellActive(ctx context.Context) ([]Status, error) {
	raw, err := c.call(ctx, "aria2.tellActive", statusKeys)
	if err != nil {
		return nil, err
	}
	return decodeStatusList(raw, "tellActive")
}

// TellWaiting lists queued/paused transfers.
func (c *Client) TellWaiting(ctx context.Context) ([]Status, error) {
	raw, err := c.call(ctx, "aria2.tellWaiting", 0, batchPageSize, statusKeys)
	if err != nil {
		return nil, err
	}
	return decodeStatusList(raw, "tellWaiting")
}

// TellStopped lists finished/errored/removed transfers.
func (c *Client) TellStopped(ctx context.Context) ([]Status, error) {
	raw, err := c.call(ctx, "aria2.tellStopped", 0, batchPageSize, statusKeys)
	if err != nil {
		return nil, err
	}
	return decodeStatusList(raw, "tellStopped")
}

// ChangeGlobalOption updates live daemon options, e.g. the overall speed
// limit.
func (c *Client) ChangeGlobalOption(ctx context.Context, opts map[string]string) error {
	_, err := c.call(ctx, "aria2.changeGlobalOption", opts)
	return err
}

// GetVersion returns the daemon version. Doubles as the cheap liveness
// probe.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "aria2.getVersion")
	if err != nil {
		return "", err
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("getVersion: invalid response: %w", err)
	}
	return v.Version, nil
}

func decodeStatusList(raw json.RawMessage, method string) ([]Status, error) {
	var list []Status
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%s: invalid response: %w", method, err)
	}
	return list, nil
}
