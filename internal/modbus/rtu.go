package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialConfig entspricht der [client_serial] Sektion
type SerialConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baudrate"`
	DataBits int    `mapstructure:"databits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stopbits"`
}

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{Port: "/dev/ttyUSB1", BaudRate: 9600, DataBits: 8, Parity: "N", StopBits: 1}
}

// Mode übersetzt die Config in einen serial.Mode (8N1 bei leeren Feldern)
func (c SerialConfig) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch strings.ToUpper(c.Parity) {
	case "", "N", "NONE":
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unknown parity %q", c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return mode, nil
}

func openSerial(cfg SerialConfig, timeout time.Duration) (io.ReadWriteCloser, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, err
	}
	return &serialConn{port: port}, nil
}

// serialConn übersetzt (0, nil) nach Read-Timeout in einen Timeout-Fehler,
// sonst würde io.ReadFull endlos warten.
type serialConn struct {
	port serial.Port
}

func (s *serialConn) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (s *serialConn) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConn) Close() error {
	return s.port.Close()
}

// crc16 berechnet die Modbus RTU CRC (Polynom 0xA001)
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// EncodeRTU: UnitID + PDU + CRC (Little Endian)
func EncodeRTU(f *ModbusFrame) []byte {
	adu := make([]byte, 0, len(f.Data)+4)
	adu = append(adu, f.UnitID, f.FunctionCode)
	adu = append(adu, f.Data...)
	crc := crc16(adu)
	return append(adu, byte(crc&0xFF), byte(crc>>8))
}

// DecodeRTU validates the CRC of a complete RTU frame.
func DecodeRTU(adu []byte) (*ModbusFrame, error) {
	if len(adu) < 4 {
		return nil, fmt.Errorf("rtu frame too short: %d bytes", len(adu))
	}
	received := binary.LittleEndian.Uint16(adu[len(adu)-2:])
	calculated := crc16(adu[:len(adu)-2])
	if received != calculated {
		return nil, fmt.Errorf("crc mismatch: received 0x%04X, calculated 0x%04X", received, calculated)
	}
	return &ModbusFrame{
		UnitID:       adu[0],
		FunctionCode: adu[1],
		Data:         append([]byte(nil), adu[2:len(adu)-2]...),
	}, nil
}

// readRTUResponse reads one response ADU. The length follows from the
// function code since RTU has no length header.
func readRTUResponse(r io.Reader) (*ModbusFrame, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	var rest int
	fc := head[1]
	switch {
	case fc&exceptionFlag != 0:
		rest = 2 // Exception Code bereits in head[2], fehlt nur CRC
	case fc >= FuncCodeReadCoils && fc <= FuncCodeReadInputRegisters:
		rest = int(head[2]) + 2
	case fc == FuncCodeWriteSingleCoil, fc == FuncCodeWriteSingleRegister,
		fc == FuncCodeWriteMultipleCoils, fc == FuncCodeWriteMultipleRegisters:
		rest = 3 + 2
	default:
		return nil, fmt.Errorf("unexpected function code in response: 0x%02X", fc)
	}

	adu := make([]byte, 3+rest)
	copy(adu, head)
	if _, err := io.ReadFull(r, adu[3:]); err != nil {
		return nil, err
	}
	return DecodeRTU(adu)
}
