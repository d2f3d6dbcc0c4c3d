package modbus

import (
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

const DefaultBlockSize = 100

// DataStore holds the four Modbus tables. One lock covers all of them so a
// snapshot mirrored by DeviceImage is never observed half-written.
type DataStore struct {
	mu        sync.RWMutex
	coils     []bool
	discretes []bool
	holding   []uint16
	input     []uint16
}

// NewDataStore legt vier Blöcke mit size Einträgen und Initialwert an
func NewDataStore(size int, initial uint16) *DataStore {
	if size <= 0 {
		size = DefaultBlockSize
	}
	ds := &DataStore{
		coils:     make([]bool, size),
		discretes: make([]bool, size),
		holding:   make([]uint16, size),
		input:     make([]uint16, size),
	}
	for i := 0; i < size; i++ {
		ds.coils[i] = initial != 0
		ds.discretes[i] = initial != 0
		ds.holding[i] = initial
		ds.input[i] = initial
	}
	return ds
}

func illegalAddress(fc uint8) error {
	return &ExceptionError{FunctionCode: fc, ExceptionCode: ExceptionIllegalDataAddress}
}

func inRange(n int, start, quantity uint16) bool {
	return quantity > 0 && int(start)+int(quantity) <= n
}

func (ds *DataStore) bits(table types.RegisterType) ([]bool, uint8) {
	if table == types.RegisterTypeDiscreteInput {
		return ds.discretes, FuncCodeReadDiscreteInputs
	}
	return ds.coils, FuncCodeReadCoils
}

func (ds *DataStore) registers(table types.RegisterType) ([]uint16, uint8) {
	if table == types.RegisterTypeInputRegister {
		return ds.input, FuncCodeReadInputRegisters
	}
	return ds.holding, FuncCodeReadHoldingRegisters
}

// ReadBits liest Coils oder Discrete Inputs
func (ds *DataStore) ReadBits(table types.RegisterType, start, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	block, fc := ds.bits(table)
	if !inRange(len(block), start, quantity) {
		return nil, illegalAddress(fc)
	}
	out := make([]bool, quantity)
	copy(out, block[start:])
	return out, nil
}

// ReadRegisters liest Holding oder Input Register
func (ds *DataStore) ReadRegisters(table types.RegisterType, start, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	block, fc := ds.registers(table)
	if !inRange(len(block), start, quantity) {
		return nil, illegalAddress(fc)
	}
	out := make([]uint16, quantity)
	copy(out, block[start:])
	return out, nil
}

// WriteCoils is the client write path (FC 0x05/0x0F).
func (ds *DataStore) WriteCoils(start uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !inRange(len(ds.coils), start, uint16(len(values))) {
		return illegalAddress(FuncCodeWriteMultipleCoils)
	}
	copy(ds.coils[start:], values)
	return nil
}

// WriteHoldingRegisters is the client write path (FC 0x06/0x10).
func (ds *DataStore) WriteHoldingRegisters(start uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !inRange(len(ds.holding), start, uint16(len(values))) {
		return illegalAddress(FuncCodeWriteMultipleRegisters)
	}
	copy(ds.holding[start:], values)
	return nil
}

// update führt fn unter dem Schreib-Lock aus
func (ds *DataStore) update(fn func(ds *DataStore)) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	fn(ds)
}

func (ds *DataStore) setBit(table types.RegisterType, addr uint16, v bool) bool {
	block, _ := ds.bits(table)
	if int(addr) >= len(block) {
		return false
	}
	block[addr] = v
	return true
}

func (ds *DataStore) setRegisters(table types.RegisterType, addr uint16, values []uint16) bool {
	block, _ := ds.registers(table)
	if int(addr)+len(values) > len(block) {
		return false
	}
	copy(block[addr:], values)
	return true
}
