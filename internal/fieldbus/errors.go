package fieldbus

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"
)

// exceptionMessages описания кодов исключений Modbus
var exceptionMessages = map[byte]string{
	modbus.ExceptionCodeIllegalFunction:     "illegal function code",
	modbus.ExceptionCodeIllegalDataAddress:  "illegal data address",
	modbus.ExceptionCodeIllegalDataValue:    "illegal data value",
	modbus.ExceptionCodeServerDeviceFailure: "server device failure",
	modbus.ExceptionCodeAcknowledge:         "acknowledge, processing in progress",
	modbus.ExceptionCodeServerDeviceBusy:    "server device busy",
}

// ProtocolError ПЛК корректно отклонил запрос (exception response).
// Такие ошибки детерминированы и не повторяются.
type ProtocolError struct {
	Function byte
	Code     byte
}

func (e *ProtocolError) Error() string {
	fc := e.Function
	if fc >= 0x80 {
		fc -= 0x80
	}
	msg, ok := exceptionMessages[e.Code]
	if !ok {
		msg = fmt.Sprintf("unknown exception code %d", e.Code)
	}
	return fmt.Sprintf("modbus error (FC%d): %s", fc, msg)
}

// RequestError запрос отклонен локально до отправки в ПЛК.
// Сессия остается рабочей, повтор бессмыслен.
type RequestError struct {
	Op  string
	Msg string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid %s request: %s", e.Op, e.Msg)
}

// TransportError сбой на уровне сокета: отказ, таймаут, разрыв
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport fault during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConnectivityError вызов не удался после исчерпания всех попыток
type ConnectivityError struct {
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("PLC unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// IsProtocol проверяет, что ошибка является exception response от ПЛК
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRequest проверяет, что запрос отклонен локально
func IsRequest(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// IsConnectivity проверяет, что связь с ПЛК потеряна
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// classify разделяет ошибки транзакции на протокольные и транспортные
func classify(op string, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ProtocolError{Function: mbErr.FunctionCode, Code: mbErr.ExceptionCode}
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Op: op, Err: err}
}
