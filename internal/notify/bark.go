package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"contentcron/internal/core"

	"github.com/tidwall/gjson"
)

const (
	barkGroup = "contentcron"
	// Bark interruption levels; failures break through focus modes.
	barkLevelActive        = "active"
	barkLevelTimeSensitive = "timeSensitive"
)

// BarkNotifier pushes task outcomes to one device through a Bark server.
type BarkNotifier struct {
	server    string
	deviceKey string
	client    *http.Client
}

type barkPush struct {
	DeviceKey string `json:"device_key"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Group     string `json:"group"`
	Level     string `json:"level"`
}

// NewBarkNotifier takes the device URL shown by the Bark app, https://host[/prefix]/<device key>.
func NewBarkNotifier(deviceURL string) (*BarkNotifier, error) {
	u, err := url.Parse(strings.TrimSpace(deviceURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bark url %q: want https://host/<device key>", deviceURL)
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return nil, fmt.Errorf("bark url %q has no device key", deviceURL)
	}
	server := u.Scheme + "://" + u.Host
	key := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		server += "/" + path[:i]
		key = path[i+1:]
	}
	return &BarkNotifier{
		server:    server,
		deviceKey: key,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (b *BarkNotifier) NotifyTask(ctx context.Context, task *core.Task) error {
	msg := TaskMessage(task)
	push := barkPush{
		DeviceKey: b.deviceKey,
		Title:     msg.Title,
		Body:      msg.Body,
		Group:     barkGroup,
		Level:     barkLevelActive,
	}
	if msg.Failed {
		push.Level = barkLevelTimeSensitive
	}
	return b.push(ctx, push)
}

func (b *BarkNotifier) push(ctx context.Context, push barkPush) error {
	payload, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("encode bark push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.server+"/push", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("bark api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	// Bark reports rejected pushes in the body with HTTP 200.
	if code := gjson.GetBytes(body, "code"); code.Exists() && code.Int() != http.StatusOK {
		return fmt.Errorf("bark rejected push: code %d: %s", code.Int(), gjson.GetBytes(body, "message").String())
	}
	return nil
}
