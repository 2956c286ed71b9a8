package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/ml-affiliate-bot/internal/models"
	"github.com/pauljones0/ml-affiliate-bot/internal/util"
)

const (
	defaultAPIURL = "https://api.telegram.org"

	maxRetries       = 3
	maxCaptionLength = 1024
	maxResponseBytes = 1 << 20
)

type Client struct {
	botToken    string
	chatID      string
	apiURL      string
	client      *http.Client
	rateLimiter *rate.Limiter
}

func New(botToken, chatID string) *Client {
	return &Client{
		botToken: botToken,
		chatID:   chatID,
		apiURL:   defaultAPIURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		// Telegram allows roughly one message per second in a single chat.
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Enabled reports whether the client has a bot token and a chat to post to.
func (c *Client) Enabled() bool {
	return c.botToken != "" && c.chatID != ""
}

// Send posts an offer to the chat and returns the Telegram message ID.
// The product image is attached when it has one. headline, when not empty,
// is shown under the product name.
func (c *Client) Send(ctx context.Context, p models.Product, headline string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}

	text := FormatProduct(p, headline)
	if p.ImageURL != "" && len(text) <= maxCaptionLength {
		id, err := c.call(ctx, "sendPhoto", sendPhotoRequest{
			ChatID:    c.chatID,
			Photo:     p.ImageURL,
			Caption:   text,
			ParseMode: "Markdown",
		})
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		slog.Warn("sendPhoto failed, sending text only", "product", p.Name, "error", err)
	}

	return c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:    c.chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
}

type sendPhotoRequest struct {
	ChatID    string `json:"chat_id"`
	Photo     string `json:"photo"`
	Caption   string `json:"caption"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// FormatProduct renders an offer as a Telegram Markdown message.
func FormatProduct(p models.Product, headline string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", escapeMarkdown(p.Name))
	if headline != "" {
		fmt.Fprintf(&b, "_%s_\n", escapeMarkdown(headline))
	}
	b.WriteString("\n")
	if p.PriceFrom > 0 {
		fmt.Fprintf(&b, "~De: R$ %s~\n", formatBRL(p.PriceFrom))
	}
	fmt.Fprintf(&b, "*Por: R$ %s*\n", formatBRL(p.PriceTo))
	if p.DiscountPercent > 0 {
		fmt.Fprintf(&b, "%d%% OFF\n", p.DiscountPercent)
	}
	if p.Installments != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeMarkdown(p.Installments))
	}
	fmt.Fprintf(&b, "\n[Compre aqui](%s)", linkURLEscaper.Replace(p.BuyURL()))
	return b.String()
}

// Inside an inline link the URL runs up to the first ')'.
var linkURLEscaper = strings.NewReplacer(")", "%29")

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// formatBRL formats a whole amount with "." as thousands separator.
func formatBRL(v float64) string {
	digits := strconv.FormatInt(int64(v+0.5), 10)
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

func (c *Client) call(ctx context.Context, method string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.botToken, method)

	for attempt := 0; ; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("telegram %s: %w", method, err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		var parsed apiResponse
		_ = json.Unmarshal(respBody, &parsed)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.OK {
			return strconv.FormatInt(parsed.Result.MessageID, 10), nil
		}

		backoff := retryBackoff(resp, attempt)
		if backoff > 0 && parsed.Parameters.RetryAfter > 0 {
			backoff = time.Duration(parsed.Parameters.RetryAfter) * time.Second
		}
		if backoff == 0 || attempt >= maxRetries {
			return "", fmt.Errorf("telegram %s failed: %s, body: %s", method, resp.Status, string(respBody))
		}

		slog.Warn("Telegram request failed, retrying", "method", method, "status", resp.StatusCode, "backoff", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// retryBackoff returns how long to wait before retrying resp, or 0 when the
// status is not retryable.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return util.ExponentialBackoff(attempt)
	case resp.StatusCode >= 500:
		return util.ExponentialBackoff(attempt)
	default:
		return 0
	}
}
