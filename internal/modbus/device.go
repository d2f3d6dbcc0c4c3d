package modbus

import (
	"context"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

type registerRef struct {
	table   types.RegisterType
	address uint16
}

type mappedTag struct {
	tag     types.Tag
	mapping types.ModbusMapping
}

// DeviceImage mirrors tag snapshots into the DataStore according to the
// profile's Modbus mappings, and forwards client writes on mapped coils or
// holding registers back into the AddressSpace.
type DeviceImage struct {
	store       *DataStore
	space       *addrspace.Space
	tags        []mappedTag
	registerMap map[registerRef]mappedTag
	logger      *zap.Logger
}

func NewDeviceImage(store *DataStore, space *addrspace.Space, profile *types.DeviceProfileDefinition, logger *zap.Logger) (*DeviceImage, error) {
	img := &DeviceImage{
		store:       store,
		space:       space,
		registerMap: make(map[registerRef]mappedTag),
		logger:      logger,
	}

	for _, def := range profile.Tags {
		tag, ok := space.Lookup(def.Name)
		if !ok {
			continue
		}
		for _, m := range def.Modbus {
			mt := mappedTag{tag: tag, mapping: m}
			ref := registerRef{table: m.Table, address: m.Address}
			if existing, dup := img.registerMap[ref]; dup {
				return nil, fmt.Errorf("%s %d mapped twice (%s, %s)", m.Table, m.Address, existing.tag.Name, def.Name)
			}
			img.registerMap[ref] = mt
			img.tags = append(img.tags, mt)
		}
	}

	return img, nil
}

func (d *DeviceImage) Name() string {
	return "modbus"
}

// Publish schreibt alle gemappten Tags unter einem Lock in den DataStore
func (d *DeviceImage) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	var failed []string

	d.store.update(func(ds *DataStore) {
		for _, mt := range d.tags {
			value, ok := snap.Value(mt.tag.Name)
			if !ok {
				continue
			}
			if !d.set(ds, mt.mapping, value) {
				failed = append(failed, mt.tag.Name)
			}
		}
	})

	if len(failed) > 0 {
		return fmt.Errorf("tags outside datastore: %v", failed)
	}
	return nil
}

func (d *DeviceImage) set(ds *DataStore, m types.ModbusMapping, value types.Value) bool {
	switch m.Table {
	case types.RegisterTypeCoil, types.RegisterTypeDiscreteInput:
		return ds.setBit(m.Table, m.Address, value.Coerce(types.KindBinary).Binary)
	default:
		return ds.setRegisters(m.Table, m.Address, encodeRegisters(value.Float(), m))
	}
}

// OnCoilsWritten is called by the server after a client wrote coils.
func (d *DeviceImage) OnCoilsWritten(start uint16, values []bool) {
	for i, v := range values {
		d.writeThrough(registerRef{table: types.RegisterTypeCoil, address: start + uint16(i)}, types.BinaryValue(v))
	}
}

// OnRegistersWritten is called by the server after a client wrote holding registers.
func (d *DeviceImage) OnRegistersWritten(start uint16, values []uint16) {
	for i := range values {
		ref := registerRef{table: types.RegisterTypeHoldingRegister, address: start + uint16(i)}
		mt, ok := d.registerMap[ref]
		if !ok {
			continue
		}
		n := registerQuantity(mt.mapping.DataType)
		if i+n > len(values) {
			continue
		}
		d.writeThrough(ref, types.AnalogValue(convertRegisterValue(values[i:i+n], mt.mapping)))
	}
}

func (d *DeviceImage) writeThrough(ref registerRef, value types.Value) {
	mt, ok := d.registerMap[ref]
	if !ok {
		return
	}

	value = value.Coerce(mt.tag.Kind)
	rev, err := d.space.Write(mt.tag.Name, value)
	if err != nil {
		d.logger.Error("Modbus write-through failed",
			zap.String("tag", mt.tag.Name),
			zap.String("table", string(ref.table)),
			zap.Uint16("address", ref.address),
			zap.Error(err))
		return
	}

	d.logger.Info("Modbus client wrote tag",
		zap.String("tag", mt.tag.Name),
		zap.Stringer("value", value),
		zap.Uint64("revision", rev))
}

func registerQuantity(dataType types.DataType) int {
	if dataType == types.DataTypeFloat32 {
		return 2
	}
	return 1
}

// encodeRegisters: Wert / Skalierung -> Rohwert(e)
func encodeRegisters(value float64, m types.ModbusMapping) []uint16 {
	switch m.DataType {
	case types.DataTypeFloat32:
		bits := math.Float32bits(float32(value))
		return []uint16{uint16(bits >> 16), uint16(bits)}
	case types.DataTypeBool:
		if value != 0 {
			return []uint16{1}
		}
		return []uint16{0}
	case types.DataTypeInt16:
		raw := math.Round(value / m.Scale())
		raw = math.Max(math.MinInt16, math.Min(math.MaxInt16, raw))
		return []uint16{uint16(int16(raw))}
	default:
		raw := math.Round(value / m.Scale())
		raw = math.Max(0, math.Min(math.MaxUint16, raw))
		return []uint16{uint16(raw)}
	}
}

// convertRegisterValue: Rohwert(e) * Skalierung -> Wert
func convertRegisterValue(registers []uint16, m types.ModbusMapping) float64 {
	switch m.DataType {
	case types.DataTypeFloat32:
		if len(registers) >= 2 {
			return float64(math.Float32frombits(uint32(registers[0])<<16 | uint32(registers[1])))
		}
	case types.DataTypeInt16:
		return float64(int16(registers[0])) * m.Scale()
	case types.DataTypeBool:
		if registers[0] != 0 {
			return 1
		}
		return 0
	}
	return float64(registers[0]) * m.Scale()
}
