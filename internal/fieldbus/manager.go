package fieldbus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"plc-monitor/internal/metrics"
)

const (
	// DefaultMaxRetries число попыток на одну транзакцию
	DefaultMaxRetries = 3

	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 10 * time.Second
)

// Backoff задержка перед повтором для заданного числа подряд идущих сбоев:
// 0.5s, 1s, 2s, 4s, 8s, далее 10s.
func Backoff(failCount int) time.Duration {
	if failCount <= 0 {
		return 0
	}
	delay := baseBackoff
	for i := 1; i < failCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Stats счетчики за время жизни процесса
type Stats struct {
	Total       int64      `json:"total_requests"`
	Successful  int64      `json:"successful"`
	Failed      int64      `json:"failed"`
	Reconnects  int64      `json:"reconnects"`
	LastError   string     `json:"last_error,omitempty"`
	LastSuccess *time.Time `json:"last_success"`
}

// StatsSnapshot копия статистики для отдачи наружу
type StatsSnapshot struct {
	Stats
	Connected bool    `json:"connected"`
	FailCount int     `json:"fail_count"`
	Uptime    float64 `json:"uptime"`
}

// Option настройка Manager
type Option func(*Manager)

// WithMaxRetries задает число попыток на транзакцию
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithSleep подменяет ожидание между попытками (для тестов)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager владеет единственной сессией с ПЛК и выполняет транзакции
// строго по одной, с повторами и экспоненциальной задержкой.
type Manager struct {
	dialer     Dialer
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	// mu сериализует транзакции; удерживается и во время backoff
	mu      sync.Mutex
	session Session

	// statsMu защищает поля ниже; чтение статистики не ждет транзакцию
	statsMu     sync.Mutex
	stats       Stats
	failCount   int
	connected   bool
	connectTime time.Time
}

// NewManager создает менеджер соединения
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		maxRetries: DefaultMaxRetries,
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute выполняет транзакцию fn. Результат: nil, *ProtocolError или
// *RequestError (без повторов) либо *ConnectivityError после исчерпания
// попыток или отмены ctx. Отмена ctx не считается транспортным сбоем.
func (m *Manager) Execute(ctx context.Context, op string, fn func(Session) error) error {
	start := time.Now()
	defer func() {
		metrics.ModbusTransactionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.Total++
	m.statsMu.Unlock()

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		if attempt > 1 {
			if delay := Backoff(m.FailCount()); delay > 0 {
				metrics.ModbusBackoff.Observe(delay.Seconds())
				if err := m.sleep(ctx, delay); err != nil {
					lastErr = err
					break
				}
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++

		err := m.attempt(ctx, op, fn)
		if err == nil {
			m.recordSuccess()
			metrics.ModbusTransactions.WithLabelValues(op, "success").Inc()
			return nil
		}

		var pe *ProtocolError
		if errors.As(err, &pe) {
			m.recordFailure(pe.Error())
			metrics.ModbusTransactions.WithLabelValues(op, "protocol_error").Inc()
			return pe
		}
		var re *RequestError
		if errors.As(err, &re) {
			m.recordFailure(re.Error())
			metrics.ModbusTransactions.WithLabelValues(op, "invalid_request").Inc()
			return re
		}

		lastErr = err
		if cancelled(ctx, err) {
			break
		}
		m.discardSession()
		fails := m.recordFault()
		metrics.ModbusTransportFaults.Inc()
		if attempt > 1 {
			log.Printf("modbus %s attempt %d/%d failed (consecutive faults: %d): %v",
				op, attempt, m.maxRetries, fails, err)
		}
	}

	if cancelled(ctx, lastErr) {
		m.recordCancel()
		metrics.ModbusTransactions.WithLabelValues(op, "cancelled").Inc()
		return &ConnectivityError{Attempts: attempts, Err: lastErr}
	}

	m.recordFailure(lastErr.Error())
	metrics.ModbusTransactions.WithLabelValues(op, "connectivity_error").Inc()
	log.Printf("modbus %s gave up after %d attempts: %v", op, attempts, lastErr)

	return &ConnectivityError{Attempts: attempts, Err: lastErr}
}

// cancelled сообщает, что err вызван отменой ctx, а не ПЛК
func cancelled(ctx context.Context, err error) bool {
	ctxErr := ctx.Err()
	return ctxErr != nil && errors.Is(err, ctxErr)
}

// attempt одна попытка: получить сессию и выполнить fn
func (m *Manager) attempt(ctx context.Context, op string, fn func(Session) error) error {
	session, err := m.ensureSession(ctx)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	if err := fn(session); err != nil {
		return classify(op, err)
	}
	return nil
}

// ensureSession возвращает текущую сессию или открывает новую.
// Вызывается под m.mu.
func (m *Manager) ensureSession(ctx context.Context) (Session, error) {
	if m.session != nil {
		return m.session, nil
	}

	session, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	m.session = session

	m.statsMu.Lock()
	m.stats.Reconnects++
	m.connected = true
	m.connectTime = m.now()
	recovered := m.failCount > 0
	first := m.stats.Reconnects == 1
	m.statsMu.Unlock()

	metrics.ModbusReconnects.Inc()
	metrics.PLCConnected.Set(1)
	if first || recovered {
		log.Println("Connected to PLC")
	}

	return session, nil
}

// discardSession закрывает и забывает текущую сессию. Вызывается под m.mu.
func (m *Manager) discardSession() {
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}

	m.statsMu.Lock()
	m.connected = false
	m.statsMu.Unlock()

	metrics.PLCConnected.Set(0)
}

func (m *Manager) recordSuccess() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Successful++
	now := m.now()
	m.stats.LastSuccess = &now
	m.failCount = 0
}

// recordCancel учитывает прерванный вызов, не трогая LastError и failCount
func (m *Manager) recordCancel() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Failed++
}

func (m *Manager) recordFailure(reason string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Failed++
	m.stats.LastError = reason
}

func (m *Manager) recordFault() int {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.failCount++
	return m.failCount
}

// FailCount число подряд идущих транспортных сбоев с последнего успеха
func (m *Manager) FailCount() int {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.failCount
}

// ReadCoils читает count катушек начиная с address
func (m *Manager) ReadCoils(ctx context.Context, address, count uint16, unitID byte) ([]bool, error) {
	var bits []bool
	err := m.Execute(ctx, "read_coils", func(s Session) error {
		var err error
		bits, err = s.ReadCoils(unitID, address, count)
		return err
	})
	return bits, err
}

// WriteCoil записывает одну катушку
func (m *Manager) WriteCoil(ctx context.Context, address uint16, value bool, unitID byte) error {
	return m.Execute(ctx, "write_coil", func(s Session) error {
		return s.WriteCoil(unitID, address, value)
	})
}

// ReadHoldingRegisters читает holding-регистры
func (m *Manager) ReadHoldingRegisters(ctx context.Context, address, count uint16, unitID byte) ([]uint16, error) {
	var regs []uint16
	err := m.Execute(ctx, "read_holding_registers", func(s Session) error {
		var err error
		regs, err = s.ReadHoldingRegisters(unitID, address, count)
		return err
	})
	return regs, err
}

// ReadInputRegisters читает input-регистры
func (m *Manager) ReadInputRegisters(ctx context.Context, address, count uint16, unitID byte) ([]uint16, error) {
	var regs []uint16
	err := m.Execute(ctx, "read_input_registers", func(s Session) error {
		var err error
		regs, err = s.ReadInputRegisters(unitID, address, count)
		return err
	})
	return regs, err
}

// CheckConnection проверяет, что сессия с ПЛК есть или может быть открыта.
// Открытая сессия считается живой без обмена с ПЛК: Modbus не имеет
// безопасного no-op запроса, а разрыв обнаружится на следующей транзакции,
// которая закроет сессию и сбросит Connected.
func (m *Manager) CheckConnection(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ensureSession(ctx); err != nil {
		if !cancelled(ctx, err) {
			m.recordFault()
		}
		return false
	}
	return true
}

// Stats возвращает снимок статистики
func (m *Manager) Stats() StatsSnapshot {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	snap := StatsSnapshot{
		Stats:     m.stats,
		Connected: m.connected,
		FailCount: m.failCount,
	}
	if !m.connectTime.IsZero() {
		snap.Uptime = m.now().Sub(m.connectTime).Seconds()
	}
	return snap
}

// Close закрывает сессию. Повторный вызов безопасен, ошибки игнорируются.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discardSession()
	return nil
}
