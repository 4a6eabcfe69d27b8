package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"fleetautoscaler/pkg/config"
	"fleetautoscaler/pkg/logger"
)

// FeishuNotifier sends notifications to Feishu (Lark)
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a new Feishu notifier
func NewFeishuNotifier() *FeishuNotifier {
	// Priority: config file > environment variable
	var webhookURL string
	if config.GlobalConfig != nil && config.GlobalConfig.Notification.FeishuWebhookURL != "" {
		webhookURL = config.GlobalConfig.Notification.FeishuWebhookURL
		logger.Info("using Feishu webhook URL from config file")
	} else {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
		if webhookURL != "" {
			logger.Info("using Feishu webhook URL from environment variable")
		}
	}

	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check config file or FEISHU_WEBHOOK_URL env), Feishu notifications will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ScaleActionNotification is the alert payload sent for a scale-up or
// scale-down decision worth surfacing to an operator (currently: anything
// that got blocked, and reaper-guard resets, which usually indicate a stuck
// collaborator downstream of the autoscaler).
type ScaleActionNotification struct {
	Tier            string
	Kind            string // "scale_up", "scale_down", "reaper_reset", "blocked"
	InstanceGroupID string
	InstanceID      string
	Delta           int
	Reason          string
	Timestamp       time.Time
}

// SendScaleActionNotification sends a scale-action alert to Feishu.
func (f *FeishuNotifier) SendScaleActionNotification(ctx context.Context, n *ScaleActionNotification) error {
	if f.webhookURL == "" {
		logger.WarnCtx(ctx, "Feishu webhook URL not configured, skipping notification")
		return nil
	}

	message := f.buildScaleActionMessage(n)

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu notification sent for tier %s action %s", n.Tier, n.Kind)
	return nil
}

func (f *FeishuNotifier) buildScaleActionMessage(n *ScaleActionNotification) map[string]interface{} {
	headerTemplate := "blue"
	title := "Autoscaler action"
	switch n.Kind {
	case "blocked":
		headerTemplate = "red"
		title = "Autoscaler action blocked"
	case "reaper_reset":
		headerTemplate = "orange"
		title = "Removable marking reaped by guard"
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": headerTemplate,
				"title": map[string]interface{}{
					"content": title,
					"tag":     "plain_text",
				},
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Tier**: %s\n**Kind**: %s\n**Instance group**: %s\n**Instance**: %s\n**Delta**: %d",
							n.Tier, n.Kind, n.InstanceGroupID, n.InstanceID, n.Delta),
						"tag": "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Reason**: %s", n.Reason),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "note",
					"elements": []interface{}{
						map[string]interface{}{
							"content": n.Timestamp.Format("2006-01-02 15:04:05"),
							"tag":     "plain_text",
						},
					},
				},
			},
		},
	}
}
