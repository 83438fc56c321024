package fieldbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/goburrow/modbus"
)

// Session одно логическое TCP-соединение с ПЛК.
// Сессия не чинится на месте: сломанная сессия закрывается и заменяется новой.
type Session interface {
	ReadCoils(unitID byte, address, quantity uint16) ([]bool, error)
	WriteCoil(unitID byte, address uint16, value bool) error
	ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(unitID byte, address, quantity uint16) ([]uint16, error)
	Close() error
}

// Dialer открывает новую сессию
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// TCPDialer открывает Modbus/TCP сессии через goburrow/modbus
type TCPDialer struct {
	Address     string
	Timeout     time.Duration
	IdleTimeout time.Duration
	Logger      *log.Logger
}

// NewTCPDialer создает dialer для адреса host:port
func NewTCPDialer(address string, timeout time.Duration) *TCPDialer {
	return &TCPDialer{
		Address:     address,
		Timeout:     timeout,
		IdleTimeout: 60 * time.Second,
	}
}

// Dial устанавливает соединение с таймаутом подключения
func (d *TCPDialer) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handler := modbus.NewTCPClientHandler(d.Address)
	handler.Timeout = d.Timeout
	handler.IdleTimeout = d.IdleTimeout
	handler.Logger = d.Logger

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.Address, err)
	}

	return &tcpSession{
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

// Пределы количества объектов в одном запросе Modbus
const (
	maxReadCoils     = 2000
	maxReadRegisters = 125
)

func checkQuantity(op string, quantity, limit uint16) error {
	if quantity < 1 || quantity > limit {
		return &RequestError{Op: op, Msg: fmt.Sprintf("quantity %d must be between 1 and %d", quantity, limit)}
	}
	return nil
}

type tcpSession struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func (s *tcpSession) ReadCoils(unitID byte, address, quantity uint16) ([]bool, error) {
	if err := checkQuantity("read_coils", quantity, maxReadCoils); err != nil {
		return nil, err
	}
	s.handler.SlaveId = unitID
	data, err := s.client.ReadCoils(address, quantity)
	if err != nil {
		return nil, err
	}
	return unpackBits(data, int(quantity))
}

func (s *tcpSession) WriteCoil(unitID byte, address uint16, value bool) error {
	s.handler.SlaveId = unitID
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := s.client.WriteSingleCoil(address, v)
	return err
}

func (s *tcpSession) ReadHoldingRegisters(unitID byte, address, quantity uint16) ([]uint16, error) {
	if err := checkQuantity("read_holding_registers", quantity, maxReadRegisters); err != nil {
		return nil, err
	}
	s.handler.SlaveId = unitID
	data, err := s.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	return unpackRegisters(data, int(quantity))
}

func (s *tcpSession) ReadInputRegisters(unitID byte, address, quantity uint16) ([]uint16, error) {
	if err := checkQuantity("read_input_registers", quantity, maxReadRegisters); err != nil {
		return nil, err
	}
	s.handler.SlaveId = unitID
	data, err := s.client.ReadInputRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	return unpackRegisters(data, int(quantity))
}

func (s *tcpSession) Close() error {
	return s.handler.Close()
}

// unpackBits разворачивает упакованные биты ответа (LSB первым)
func unpackBits(data []byte, count int) ([]bool, error) {
	if len(data)*8 < count {
		return nil, fmt.Errorf("short coil response: %d bytes for %d coils", len(data), count)
	}
	bits := make([]bool, count)
	for i := range bits {
		bits[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return bits, nil
}

// unpackRegisters декодирует big-endian 16-битные регистры
func unpackRegisters(data []byte, count int) ([]uint16, error) {
	if len(data) < count*2 {
		return nil, fmt.Errorf("short register response: %d bytes for %d registers", len(data), count)
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return regs, nil
}
