package modbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

// Group spaces
const (
	SpaceCoils     = "coils"
	SpaceDiscretes = "discretes"
	SpaceHolding   = "holding"
	SpaceInput     = "input"
)

// Adapter exposes a Client as transport.Adapter.
type Adapter struct {
	client *Client
	unitID uint8
	logger *zap.Logger
}

func NewAdapter(client *Client, unitID uint8, logger *zap.Logger) *Adapter {
	return &Adapter{client: client, unitID: unitID, logger: logger}
}

func (a *Adapter) Name() string {
	return "modbus"
}

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return &transport.ConnectionError{Adapter: a.Name(), Endpoint: a.client.Address(), Err: err}
	}
	a.logger.Info("Connected to Modbus device",
		zap.String("address", a.client.Address()),
		zap.String("mode", string(a.client.mode)),
		zap.Uint8("unit_id", a.unitID))
	return nil
}

func (a *Adapter) Disconnect() error {
	if err := a.client.Close(); err != nil {
		a.logger.Debug("Modbus close failed", zap.Error(err))
	}
	return nil
}

// ensureConnected baut die Verbindung nach einem I/O-Fehler neu auf
func (a *Adapter) ensureConnected(ctx context.Context, op, target string) error {
	if a.client.IsConnected() {
		return nil
	}
	a.logger.Debug("Reconnecting to Modbus device", zap.String("address", a.client.Address()))
	if err := a.client.Connect(ctx); err != nil {
		return transport.Wrap(op, target, err)
	}
	return nil
}

func (a *Adapter) ReadGroup(ctx context.Context, group transport.Group) ([]types.Value, error) {
	target := group.String()
	if err := a.ensureConnected(ctx, "read", target); err != nil {
		return nil, err
	}

	switch group.Space {
	case SpaceCoils, SpaceDiscretes:
		read := a.client.ReadCoils
		if group.Space == SpaceDiscretes {
			read = a.client.ReadDiscreteInputs
		}
		bits, err := read(ctx, a.unitID, group.Start, group.Count)
		if err != nil {
			return nil, classify("read", target, err)
		}
		values := make([]types.Value, len(bits))
		for i, b := range bits {
			values[i] = types.BinaryValue(b)
		}
		return values, nil

	case SpaceHolding, SpaceInput:
		read := a.client.ReadHoldingRegisters
		if group.Space == SpaceInput {
			read = a.client.ReadInputRegisters
		}
		registers, err := read(ctx, a.unitID, group.Start, group.Count)
		if err != nil {
			return nil, classify("read", target, err)
		}
		values := make([]types.Value, len(registers))
		for i, r := range registers {
			values[i] = types.AnalogValue(float64(r))
		}
		return values, nil

	default:
		return nil, &transport.ProtocolError{
			Op:     "read",
			Target: target,
			Code:   ExceptionIllegalFunction,
			Detail: fmt.Sprintf("unknown modbus space %q", group.Space),
		}
	}
}

// WriteValue schreibt Coils mit FC 0x05, Register mit FC 0x06
func (a *Adapter) WriteValue(ctx context.Context, target transport.Target, value types.Value) error {
	table, addr, err := ParseRegisterAddress(target.Address, target.Kind)
	if err != nil {
		return err
	}
	if err := a.ensureConnected(ctx, "write", target.Address); err != nil {
		return err
	}

	switch table {
	case types.RegisterTypeCoil:
		err = a.client.WriteSingleCoil(ctx, a.unitID, addr, value.Coerce(types.KindBinary).Binary)
	case types.RegisterTypeHoldingRegister:
		raw := math.Max(0, math.Min(math.MaxUint16, math.Round(value.Float())))
		err = a.client.WriteSingleRegister(ctx, a.unitID, addr, uint16(raw))
	default:
		return &transport.ProtocolError{
			Op:     "write",
			Target: target.Address,
			Code:   ExceptionIllegalFunction,
			Detail: fmt.Sprintf("%s is read-only", table),
		}
	}
	if err != nil {
		return classify("write", target.Address, err)
	}
	return nil
}

func classify(op, target string, err error) error {
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return &transport.ProtocolError{
			Op:     op,
			Target: target,
			Code:   uint32(exc.ExceptionCode),
			Detail: exc.Error(),
		}
	}
	return transport.Wrap(op, target, err)
}

// ParseRegisterAddress accepts "holding:10", "coils:0" or a bare number. A bare
// number addresses a coil for binary targets and a holding register otherwise.
func ParseRegisterAddress(s string, kind types.Kind) (types.RegisterType, uint16, error) {
	table := types.RegisterTypeHoldingRegister
	if kind == types.KindBinary {
		table = types.RegisterTypeCoil
	}

	num := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		num = rest
		switch strings.ToLower(strings.TrimSpace(prefix)) {
		case "coil", "coils":
			table = types.RegisterTypeCoil
		case "discrete", "discretes", "discrete_input":
			table = types.RegisterTypeDiscreteInput
		case "holding", "holding_register":
			table = types.RegisterTypeHoldingRegister
		case "input", "input_register":
			table = types.RegisterTypeInputRegister
		default:
			return "", 0, &types.ParseError{Input: s, Reason: "unknown register table " + prefix}
		}
	}

	addr, err := strconv.ParseUint(strings.TrimSpace(num), 10, 16)
	if err != nil {
		return "", 0, &types.ParseError{Input: s, Reason: "register address must be 0..65535"}
	}
	return table, uint16(addr), nil
}
