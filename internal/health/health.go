// Package health сводит проверки зависимостей в liveness/readiness-пробы и метрики.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// Status: состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// gaugeValue: 1 healthy, 0.5 degraded, 0 unhealthy.
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

const defaultCheckTimeout = 2 * time.Second

var checkStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "reseller_health_check_status",
	Help: "Result of the last health check run: 1 healthy, 0.5 degraded, 0 unhealthy.",
}, []string{"check"})

// Check: результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	Optional   bool   `json:"optional,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент в пределах ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

type registration struct {
	name     string
	checker  Checker
	optional bool
}

// Handler хранит зарегистрированные проверки и отдаёт их результат по HTTP.
type Handler struct {
	mu       sync.RWMutex
	regs     []registration
	timeout  time.Duration
	onChange []func(Status)
	// last: статусы предыдущего прогона, чтобы логировать только переходы.
	last map[string]Status

	version string
	started time.Time
	logger  *log.Entry
}

func NewHandler(version string) *Handler {
	return &Handler{
		timeout: defaultCheckTimeout,
		last:    make(map[string]Status),
		version: version,
		started: time.Now(),
		logger:  log.WithField("component", "health"),
	}
}

// SetTimeout ограничивает время одного прогона проверок.
func (h *Handler) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// RegisterChecker регистрирует обязательную проверку: её отказ делает сервис неготовым.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.register(registration{name: name, checker: checker})
}

// RegisterOptional регистрирует необязательную проверку: её отказ только понижает статус до degraded.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.register(registration{name: name, checker: checker, optional: true})
}

func (h *Handler) register(reg registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs = slices.DeleteFunc(h.regs, func(r registration) bool { return r.name == reg.name })
	h.regs = append(h.regs, reg)
}

// OnChange подписывает fn на смену общего статуса.
func (h *Handler) OnChange(fn func(Status)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

// Run выполняет все проверки параллельно и сводит общий статус.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	regs := slices.Clone(h.regs)
	timeout := h.timeout
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]Check, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, reg)
		}()
	}
	wg.Wait()

	response := Response{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for _, check := range results {
		response.Checks[check.Name] = check
		response.Status = worse(response.Status, check.Status)
		checkStatusGauge.WithLabelValues(check.Name).Set(check.Status.gaugeValue())
	}
	h.record(response)
	return response
}

func runCheck(ctx context.Context, reg registration) Check {
	check := reg.checker.Check(ctx)
	check.Name = reg.name
	check.Optional = reg.optional
	if reg.optional && check.Status == StatusUnhealthy {
		check.Status = StatusDegraded
	}
	return check
}

func worse(a, b Status) Status {
	if a.gaugeValue() <= b.gaugeValue() {
		return a
	}
	return b
}

// record логирует переходы статусов и уведомляет подписчиков о смене общего статуса.
func (h *Handler) record(response Response) {
	const overallKey = ""

	h.mu.Lock()
	var changed bool
	for name, check := range response.Checks {
		prev, seen := h.last[name]
		if seen && prev != check.Status {
			h.logger.WithFields(log.Fields{
				"check":       name,
				"from_status": prev,
				"to_status":   check.Status,
				"message":     check.Message,
			}).Warn("health check status changed")
		}
		h.last[name] = check.Status
	}
	if prev, seen := h.last[overallKey]; !seen || prev != response.Status {
		h.last[overallKey] = response.Status
		changed = true
	}
	listeners := slices.Clone(h.onChange)
	h.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(response.Status)
		}
	}
}

// Watch прогоняет проверки каждые interval до отмены ctx, чтобы подписчики OnChange
// узнавали о смене статуса без внешних запросов к /healthz.
func (h *Handler) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ServeHTTP отдаёт подробный JSON со всеми проверками.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, пока не проходит хотя бы одна обязательная проверка.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Run(r.Context()).Status == StatusUnhealthy {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Routes вешает /healthz, /livez и /readyz на mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("GET /healthz", h)
	mux.HandleFunc("GET /livez", LivenessHandler)
	mux.HandleFunc("GET /readyz", h.ReadinessHandler)
}

// CheckFunc превращает функцию в Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) Check {
	started := time.Now()
	err := f(ctx)
	check := Check{Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// NewFuncChecker создаёт проверку из функции; имя задаётся при регистрации.
func NewFuncChecker(name string, fn func(ctx context.Context) error) Checker {
	return namedChecker{name: name, check: CheckFunc(fn)}
}

type namedChecker struct {
	name  string
	check CheckFunc
}

func (c namedChecker) Check(ctx context.Context) Check {
	check := c.check.Check(ctx)
	check.Name = c.name
	return check
}

// Pinger: всё, что умеет проверить соединение (например, *sql.DB или redis-клиент).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewPingChecker проверяет соединение через PingContext.
func NewPingChecker(name string, p Pinger) Checker {
	return NewFuncChecker(name, p.PingContext)
}
