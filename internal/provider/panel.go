// Package provider содержит клиентов внешних панелей исполнения заказов.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20

	opAdd    = "add"
	opStatus = "status"
	opCancel = "cancel"
	opRefill = "refill"
)

// PanelClient говорит с панелью по протоколу API v2:
// POST form-urlencoded с полями key и action.
type PanelClient struct {
	name   string
	apiURL string
	apiKey string
	client *http.Client
	logger *log.Entry
}

// PanelOption настраивает PanelClient.
type PanelOption func(*PanelClient)

// WithHTTPClient подменяет HTTP-клиент (таймауты, транспорт).
func WithHTTPClient(client *http.Client) PanelOption {
	return func(c *PanelClient) { c.client = client }
}

// WithPanelLogger задаёт logger.
func WithPanelLogger(logger *log.Entry) PanelOption {
	return func(c *PanelClient) { c.logger = logger }
}

// NewPanelClient создаёт клиента панели.
func NewPanelClient(name, apiURL, apiKey string, opts ...PanelOption) *PanelClient {
	c := &PanelClient{
		name:   name,
		apiURL: apiURL,
		apiKey: apiKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "provider-panel")
	}
	c.logger = c.logger.WithField("provider", name)
	return c
}

// Name возвращает имя провайдера.
func (c *PanelClient) Name() string {
	return c.name
}

type panelError struct {
	Error string `json:"error"`
}

// flexString принимает и строку, и число: панели отдают поля по-разному.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) int64() int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(string(f)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

type statusPayload struct {
	Charge     flexString `json:"charge"`
	StartCount flexString `json:"start_count"`
	Status     string     `json:"status"`
	Remains    flexString `json:"remains"`
	Error      string     `json:"error"`
}

func (p statusPayload) toDomain() domain.ProviderOrderStatus {
	return domain.ProviderOrderStatus{
		Status:     p.Status,
		StartCount: p.StartCount.int64(),
		Remains:    p.Remains.int64(),
		Charge:     string(p.Charge),
		Error:      p.Error,
	}
}

// CreateOrder отправляет action=add и возвращает идентификатор заказа у провайдера.
func (c *PanelClient) CreateOrder(ctx context.Context, providerServiceID, link string, quantity int64) (string, error) {
	form := url.Values{}
	form.Set("service", providerServiceID)
	form.Set("link", link)
	form.Set("quantity", strconv.FormatInt(quantity, 10))

	var resp struct {
		Order flexString `json:"order"`
		Error string     `json:"error"`
	}
	if err := c.call(ctx, opAdd, form, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", domain.NewGatewayError(c.name, opAdd, resp.Error, nil)
	}
	if resp.Order == "" {
		return "", domain.NewGatewayError(c.name, opAdd, "response has no order id", nil)
	}
	return string(resp.Order), nil
}

// GetStatus запрашивает состояние одного заказа.
func (c *PanelClient) GetStatus(ctx context.Context, providerOrderID string) (domain.ProviderOrderStatus, error) {
	form := url.Values{}
	form.Set("order", providerOrderID)

	var resp statusPayload
	if err := c.call(ctx, opStatus, form, &resp); err != nil {
		return domain.ProviderOrderStatus{}, err
	}
	if resp.Error != "" {
		return domain.ProviderOrderStatus{}, domain.NewGatewayError(c.name, opStatus, resp.Error, nil)
	}
	return resp.toDomain(), nil
}

// GetMultipleStatuses запрашивает состояния нескольких заказов одним вызовом.
// Ошибки по отдельным заказам возвращаются в поле Error.
func (c *PanelClient) GetMultipleStatuses(ctx context.Context, providerOrderIDs []string) (map[string]domain.ProviderOrderStatus, error) {
	result := make(map[string]domain.ProviderOrderStatus, len(providerOrderIDs))
	if len(providerOrderIDs) == 0 {
		return result, nil
	}

	form := url.Values{}
	form.Set("orders", strings.Join(providerOrderIDs, ","))

	var resp map[string]json.RawMessage
	if err := c.call(ctx, opStatus, form, &resp); err != nil {
		return nil, err
	}
	if raw, ok := resp["error"]; ok {
		var msg string
		_ = json.Unmarshal(raw, &msg)
		return nil, domain.NewGatewayError(c.name, opStatus, msg, nil)
	}

	for id, raw := range resp {
		var payload statusPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			result[id] = domain.ProviderOrderStatus{Error: "malformed status: " + err.Error()}
			continue
		}
		result[id] = payload.toDomain()
	}
	return result, nil
}

// CancelOrders просит провайдера отменить заказы.
func (c *PanelClient) CancelOrders(ctx context.Context, providerOrderIDs []string) ([]domain.CancelResult, error) {
	form := url.Values{}
	form.Set("orders", strings.Join(providerOrderIDs, ","))

	var resp []struct {
		Order  flexString      `json:"order"`
		Cancel json.RawMessage `json:"cancel"`
	}
	if err := c.call(ctx, opCancel, form, &resp); err != nil {
		return nil, err
	}

	results := make([]domain.CancelResult, 0, len(resp))
	for _, item := range resp {
		res := domain.CancelResult{ProviderOrderID: string(item.Order)}
		var nested panelError
		if err := json.Unmarshal(item.Cancel, &nested); err == nil && nested.Error != "" {
			res.Error = nested.Error
		} else {
			var flag flexString
			if err := json.Unmarshal(item.Cancel, &flag); err == nil {
				res.Accepted = flag.int64() == 1
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// RequestRefill запрашивает рефилл и возвращает его идентификатор.
func (c *PanelClient) RequestRefill(ctx context.Context, providerOrderID string) (string, error) {
	form := url.Values{}
	form.Set("order", providerOrderID)

	var resp struct {
		Refill flexString `json:"refill"`
		Error  string     `json:"error"`
	}
	if err := c.call(ctx, opRefill, form, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", domain.NewGatewayError(c.name, opRefill, resp.Error, nil)
	}
	return string(resp.Refill), nil
}

func (c *PanelClient) call(ctx context.Context, action string, form url.Values, out any) error {
	form.Set("key", c.apiKey)
	form.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.NewGatewayError(c.name, action, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		msg := "request failed"
		var urlErr *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
			msg = "timeout"
		}
		return domain.NewGatewayError(c.name, action, msg, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.NewGatewayError(c.name, action, "read response", err)
	}

	c.logger.WithFields(log.Fields{
		"action":      action,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("provider call finished")

	if resp.StatusCode >= http.StatusBadRequest {
		var perr panelError
		if json.Unmarshal(body, &perr) == nil && perr.Error != "" {
			return domain.NewGatewayError(c.name, action, perr.Error, nil)
		}
		return domain.NewGatewayError(c.name, action, fmt.Sprintf("http status %d", resp.StatusCode), nil)
	}

	if err := json.Unmarshal(body, out); err != nil {
		// Панели часто отвечают {"error": "..."} вместо ожидаемой формы (например, массива).
		var perr panelError
		if json.Unmarshal(body, &perr) == nil && perr.Error != "" {
			return domain.NewGatewayError(c.name, action, perr.Error, nil)
		}
		return domain.NewGatewayError(c.name, action, "decode response", err)
	}
	return nil
}

var _ domain.ProviderGateway = (*PanelClient)(nil)
