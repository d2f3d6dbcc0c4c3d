package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

// ServerConfig entspricht der [server] Sektion des Modbus-Simulators
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	UnitID          uint8  `mapstructure:"unit_id"`
	SingleSlaveMode bool   `mapstructure:"single_slave_mode"`
	BlockSize       int    `mapstructure:"block_size"`
	InitialValue    uint16 `mapstructure:"initial_value"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            5020,
		UnitID:          1,
		SingleSlaveMode: true,
		BlockSize:       DefaultBlockSize,
	}
}

// WriteListener wird nach erfolgreichen Client-Schreibzugriffen aufgerufen
type WriteListener interface {
	OnCoilsWritten(start uint16, values []bool)
	OnRegistersWritten(start uint16, values []uint16)
}

type Server struct {
	cfg      ServerConfig
	store    *DataStore
	listener WriteListener
	logger   *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg ServerConfig, store *DataStore, listener WriteListener, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		listener: listener,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen bindet den TCP-Port. Serve ruft Listen selbst auf falls nötig.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and every open connection and waits for the handlers.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	s.logger.Info("Modbus TCP server listening",
		zap.String("address", ln.Addr().String()),
		zap.Uint8("unit_id", s.cfg.UnitID),
		zap.Bool("single_slave_mode", s.cfg.SingleSlaveMode))

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				s.logger.Info("Modbus TCP server stopped")
				return nil
			}
			s.logger.Warn("Failed to accept connection", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		if ctx.Err() != nil {
			conn.Close()
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Modbus client connected", zap.String("remote_addr", remote))

	for {
		request, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Modbus connection read error",
					zap.String("remote_addr", remote),
					zap.Error(err))
			}
			return
		}

		response := s.Handle(request)
		if response == nil {
			continue
		}
		if _, err := conn.Write(response.Encode()); err != nil {
			s.logger.Debug("Modbus connection write error",
				zap.String("remote_addr", remote),
				zap.Error(err))
			return
		}
	}
}

// Handle verarbeitet einen Request und liefert die Response (nil = keine Antwort)
func (s *Server) Handle(req *ModbusFrame) *ModbusFrame {
	if !s.cfg.SingleSlaveMode && req.UnitID != s.cfg.UnitID {
		s.logger.Debug("Request for other unit ID ignored", zap.Uint8("unit_id", req.UnitID))
		return nil
	}

	switch req.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return s.handleReadBits(req)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return s.handleReadRegisters(req)
	case FuncCodeWriteSingleCoil:
		return s.handleWriteSingleCoil(req)
	case FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case FuncCodeWriteMultipleCoils:
		return s.handleWriteMultipleCoils(req)
	case FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	default:
		s.logger.Warn("Unsupported function code", zap.Uint8("function_code", req.FunctionCode))
		return exceptionResponse(req, ExceptionIllegalFunction)
	}
}

func addressAndQuantity(req *ModbusFrame) (uint16, uint16, bool) {
	if len(req.Data) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(req.Data[0:2]), binary.BigEndian.Uint16(req.Data[2:4]), true
}

func storeError(req *ModbusFrame, err error) *ModbusFrame {
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return exceptionResponse(req, exc.ExceptionCode)
	}
	return exceptionResponse(req, ExceptionServerDeviceFailure)
}

func (s *Server) handleReadBits(req *ModbusFrame) *ModbusFrame {
	start, quantity, ok := addressAndQuantity(req)
	if !ok || quantity == 0 || quantity > maxReadBits {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}

	table := tableForFunction(req.FunctionCode)
	values, err := s.store.ReadBits(table, start, quantity)
	if err != nil {
		return storeError(req, err)
	}
	return bitsResponse(req, values)
}

func (s *Server) handleReadRegisters(req *ModbusFrame) *ModbusFrame {
	start, quantity, ok := addressAndQuantity(req)
	if !ok || quantity == 0 || quantity > maxReadRegisters {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}

	table := tableForFunction(req.FunctionCode)
	values, err := s.store.ReadRegisters(table, start, quantity)
	if err != nil {
		return storeError(req, err)
	}
	return registersResponse(req, values)
}

func (s *Server) handleWriteSingleCoil(req *ModbusFrame) *ModbusFrame {
	addr, raw, ok := addressAndQuantity(req)
	if !ok || (raw != 0xFF00 && raw != 0x0000) {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}

	values := []bool{raw == 0xFF00}
	if err := s.store.WriteCoils(addr, values); err != nil {
		return storeError(req, err)
	}
	if s.listener != nil {
		s.listener.OnCoilsWritten(addr, values)
	}
	return echoResponse(req)
}

func (s *Server) handleWriteSingleRegister(req *ModbusFrame) *ModbusFrame {
	addr, value, ok := addressAndQuantity(req)
	if !ok {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}

	values := []uint16{value}
	if err := s.store.WriteHoldingRegisters(addr, values); err != nil {
		return storeError(req, err)
	}
	if s.listener != nil {
		s.listener.OnRegistersWritten(addr, values)
	}
	return echoResponse(req)
}

func (s *Server) handleWriteMultipleCoils(req *ModbusFrame) *ModbusFrame {
	start, quantity, ok := addressAndQuantity(req)
	if !ok || len(req.Data) < 5 || quantity == 0 {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	byteCount := int(req.Data[4])
	if byteCount != (int(quantity)+7)/8 || len(req.Data) < 5+byteCount {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}

	values := UnpackBits(req.Data[5:5+byteCount], quantity)
	if err := s.store.WriteCoils(start, values); err != nil {
		return storeError(req, err)
	}
	if s.listener != nil {
		s.listener.OnCoilsWritten(start, values)
	}
	return echoResponse(req)
}

func (s *Server) handleWriteMultipleRegisters(req *ModbusFrame) *ModbusFrame {
	start, quantity, ok := addressAndQuantity(req)
	if !ok || len(req.Data) < 5 || quantity == 0 || quantity > maxReadRegisters {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}
	byteCount := int(req.Data[4])
	if byteCount != int(quantity)*2 || len(req.Data) < 5+byteCount {
		return exceptionResponse(req, ExceptionIllegalDataValue)
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(req.Data[5+i*2:])
	}
	if err := s.store.WriteHoldingRegisters(start, values); err != nil {
		return storeError(req, err)
	}
	if s.listener != nil {
		s.listener.OnRegistersWritten(start, values)
	}
	return echoResponse(req)
}

func tableForFunction(fc uint8) types.RegisterType {
	switch fc {
	case FuncCodeReadCoils:
		return types.RegisterTypeCoil
	case FuncCodeReadDiscreteInputs:
		return types.RegisterTypeDiscreteInput
	case FuncCodeReadInputRegisters:
		return types.RegisterTypeInputRegister
	default:
		return types.RegisterTypeHoldingRegister
	}
}
