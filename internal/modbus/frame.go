package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MBAP Header (7 Bytes) + Function Code + Data
type ModbusFrame struct {
	TransactionID uint16 // 2 Bytes - Request/Response Korrelation
	ProtocolID    uint16 // 2 Bytes - Immer 0x0000 für Modbus
	Length        uint16 // 2 Bytes - Anzahl folgender Bytes
	UnitID        uint8  // 1 Byte - Slave Address
	FunctionCode  uint8  // 1 Byte - Modbus Function
	Data          []byte // Variable Länge
}

// Modbus Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
)

// Exception Codes
const (
	ExceptionIllegalFunction     = 0x01
	ExceptionIllegalDataAddress  = 0x02
	ExceptionIllegalDataValue    = 0x03
	ExceptionServerDeviceFailure = 0x04
)

// Protokoll-Grenzen pro Request
const (
	maxReadBits      = 2000
	maxReadRegisters = 125
	maxFrameLength   = 260
)

// ExceptionError: Slave hat mit Exception-Response geantwortet
type ExceptionError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X",
		e.ExceptionCode, exceptionName(e.ExceptionCode), e.FunctionCode)
}

func exceptionName(code uint8) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	default:
		return "unknown"
	}
}

// Encode erstellt das komplette TCP Frame
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 für UnitID + FunctionCode

	frame := make([]byte, 7+len(f.Data)+1) // MBAP(7) + FuncCode(1) + Data

	// MBAP Header
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	// PDU
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parst ein empfangenes Frame
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header %d, frame %d", frame.Length, len(data)-6)
	}

	if len(data) > 8 {
		frame.Data = append([]byte(nil), data[8:]...)
	}

	return frame, nil
}

// ReadFrame liest genau ein MBAP Frame aus dem Stream
func ReadFrame(r io.Reader) (*ModbusFrame, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || int(length)+6 > maxFrameLength {
		return nil, fmt.Errorf("invalid MBAP length: %d", length)
	}

	buf := make([]byte, 6+int(length))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[7:]); err != nil {
		return nil, err
	}

	return DecodeFrame(buf)
}

// IsException prüft das Exception-Bit im Function Code
func (f *ModbusFrame) IsException() bool {
	return f.FunctionCode&exceptionFlag != 0
}

// Exception returns the exception carried by the frame, or nil.
func (f *ModbusFrame) Exception() error {
	if !f.IsException() {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, ExceptionCode: code}
}

func newFrame(transactionID uint16, unitID uint8, functionCode uint8, data []byte) *ModbusFrame {
	return &ModbusFrame{
		TransactionID: transactionID,
		ProtocolID:    0x0000,
		UnitID:        unitID,
		FunctionCode:  functionCode,
		Data:          data,
	}
}

// ReadRequest erstellt Requests für Function Code 0x01-0x04
func ReadRequest(transactionID uint16, unitID uint8, functionCode uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return newFrame(transactionID, unitID, functionCode, data)
}

// ReadHoldingRegistersRequest erstellt Request für Function Code 0x03
func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return ReadRequest(transactionID, unitID, FuncCodeReadHoldingRegisters, startAddr, quantity)
}

// WriteSingleCoilRequest erstellt Request für Function Code 0x05
func WriteSingleCoilRequest(transactionID uint16, unitID uint8, addr uint16, value bool) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	if value {
		binary.BigEndian.PutUint16(data[2:4], 0xFF00)
	}

	return newFrame(transactionID, unitID, FuncCodeWriteSingleCoil, data)
}

// WriteSingleRegisterRequest erstellt Request für Function Code 0x06
func WriteSingleRegisterRequest(transactionID uint16, unitID uint8, addr uint16, value uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return newFrame(transactionID, unitID, FuncCodeWriteSingleRegister, data)
}

// ParseRegisterResponse parst Holding/Input Register Response
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if err := f.Exception(); err != nil {
		return nil, err
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := f.Data[0]
	if len(f.Data) < int(byteCount)+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registerCount := byteCount / 2
	registers := make([]uint16, registerCount)

	for i := 0; i < int(registerCount); i++ {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}

// ParseBitResponse parst Coil/Discrete Input Response
func (f *ModbusFrame) ParseBitResponse(quantity uint16) ([]bool, error) {
	if err := f.Exception(); err != nil {
		return nil, err
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if len(f.Data) < byteCount+1 || byteCount*8 < int(quantity) {
		return nil, fmt.Errorf("incomplete response data")
	}

	return UnpackBits(f.Data[1:1+byteCount], quantity), nil
}

// PackBits packt bools LSB-first in Bytes
func PackBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return packed
}

func UnpackBits(data []byte, quantity uint16) []bool {
	values := make([]bool, quantity)
	for i := range values {
		values[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return values
}

// bitsResponse baut die Antwort für FC 0x01/0x02
func bitsResponse(request *ModbusFrame, values []bool) *ModbusFrame {
	packed := PackBits(values)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return newFrame(request.TransactionID, request.UnitID, request.FunctionCode, data)
}

// registersResponse baut die Antwort für FC 0x03/0x04
func registersResponse(request *ModbusFrame, values []uint16) *ModbusFrame {
	data := make([]byte, 1+len(values)*2)
	data[0] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+i*2:], v)
	}
	return newFrame(request.TransactionID, request.UnitID, request.FunctionCode, data)
}

// echoResponse: Write-Responses wiederholen Adresse und Wert/Anzahl
func echoResponse(request *ModbusFrame) *ModbusFrame {
	data := make([]byte, 4)
	copy(data, request.Data)
	return newFrame(request.TransactionID, request.UnitID, request.FunctionCode, data)
}

func exceptionResponse(request *ModbusFrame, code uint8) *ModbusFrame {
	return newFrame(request.TransactionID, request.UnitID, request.FunctionCode|exceptionFlag, []byte{code})
}
