package modbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

type Mode string

const (
	ModeTCP Mode = "tcp"
	ModeRTU Mode = "serial"
)

type Client struct {
	address       string
	mode          Mode
	serial        SerialConfig
	conn          io.ReadWriteCloser
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		mode:    ModeTCP,
		timeout: timeout,
	}
}

// NewRTUClient erstellt einen Client für Modbus RTU über die serielle Schnittstelle
func NewRTUClient(cfg SerialConfig, timeout time.Duration) *Client {
	return &Client{
		address: cfg.Port,
		mode:    ModeRTU,
		serial:  cfg,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return c.address
}

// Connect stellt die Verbindung her (TCP oder seriell)
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	var (
		conn io.ReadWriteCloser
		err  error
	)
	switch c.mode {
	case ModeRTU:
		conn, err = openSerial(c.serial, c.timeout)
	default:
		dialer := net.Dialer{Timeout: c.timeout}
		conn, err = dialer.DialContext(ctx, "tcp", c.address)
	}
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Close schließt die Verbindung
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sendet ein Frame und wartet auf Response
func (c *Client) SendFrame(ctx context.Context, request *ModbusFrame) (*ModbusFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Timeout setzen, Context-Deadline hat Vorrang wenn früher
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if nc, ok := c.conn.(net.Conn); ok {
		nc.SetDeadline(deadline)
	}

	if c.mode == ModeRTU {
		return c.sendRTU(request)
	}

	// Unique Transaction ID
	c.transactionID++
	request.TransactionID = c.transactionID

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	response, err := ReadFrame(c.conn)
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}

	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	return response, nil
}

func (c *Client) sendRTU(request *ModbusFrame) (*ModbusFrame, error) {
	if _, err := c.conn.Write(EncodeRTU(request)); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("write failed: %w", err)
	}

	// auch ein CRC-Fehler lässt Restbytes im Puffer, also neu öffnen
	response, err := readRTUResponse(c.conn)
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if response.UnitID != request.UnitID {
		return nil, fmt.Errorf("unit ID mismatch: expected %d, got %d", request.UnitID, response.UnitID)
	}
	return response, nil
}

// dropLocked: nach einem I/O-Fehler ist der Stream nicht mehr synchron
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.connected = false
}

func (c *Client) readBits(ctx context.Context, functionCode uint8, unitID uint8, startAddr, quantity uint16) ([]bool, error) {
	if quantity == 0 || quantity > maxReadBits {
		return nil, fmt.Errorf("invalid quantity: %d", quantity)
	}
	response, err := c.SendFrame(ctx, ReadRequest(0, unitID, functionCode, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitResponse(quantity)
}

func (c *Client) readRegisters(ctx context.Context, functionCode uint8, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > maxReadRegisters {
		return nil, fmt.Errorf("invalid quantity: %d", quantity)
	}
	response, err := c.SendFrame(ctx, ReadRequest(0, unitID, functionCode, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	registers, err := response.ParseRegisterResponse()
	if err != nil {
		return nil, err
	}
	if len(registers) != int(quantity) {
		return nil, fmt.Errorf("expected %d registers, got %d", quantity, len(registers))
	}
	return registers, nil
}

// ReadCoils liest Coils (FC 0x01)
func (c *Client) ReadCoils(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadCoils, unitID, startAddr, quantity)
}

// ReadDiscreteInputs liest Discrete Inputs (FC 0x02)
func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadDiscreteInputs, unitID, startAddr, quantity)
}

// ReadHoldingRegisters liest Holding Registers
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadHoldingRegisters, unitID, startAddr, quantity)
}

// ReadInputRegisters liest Input Registers (FC 0x04)
func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr uint16, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadInputRegisters, unitID, startAddr, quantity)
}

// WriteSingleCoil schreibt eine einzelne Coil
func (c *Client) WriteSingleCoil(ctx context.Context, unitID uint8, addr uint16, value bool) error {
	response, err := c.SendFrame(ctx, WriteSingleCoilRequest(0, unitID, addr, value))
	if err != nil {
		return err
	}
	return response.Exception()
}

// WriteSingleRegister schreibt ein einzelnes Register
func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	response, err := c.SendFrame(ctx, WriteSingleRegisterRequest(0, unitID, addr, value))
	if err != nil {
		return err
	}
	return response.Exception()
}
