package s7

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

// Config entspricht der [snap7_server] Sektion
type Config struct {
	DBNumber int `mapstructure:"db_number"`
	DBSize   int `mapstructure:"db_size"`
}

func DefaultConfig() Config {
	return Config{DBNumber: 1, DBSize: 256}
}

// AreaError: Zugriff außerhalb des DB
type AreaError struct {
	DB    int
	Start int
	Size  int
	Limit int
}

func (e *AreaError) Error() string {
	return fmt.Sprintf("DB%d: area %d..%d outside 0..%d", e.DB, e.Start, e.Start+e.Size-1, e.Limit-1)
}

type field struct {
	tag     types.Tag
	mapping types.S7Mapping
}

func (f field) size() int {
	switch f.mapping.DataType {
	case types.DataTypeFloat32:
		return 4
	case types.DataTypeInt16, types.DataTypeUint16:
		return 2
	default:
		return 1
	}
}

func (f field) overlaps(start, size int) bool {
	return f.mapping.Offset < start+size && start < f.mapping.Offset+f.size()
}

// DB is a data block image. Snapshots are encoded big-endian the way an S7
// CPU stores them (REAL = IEEE 754 float32).
type DB struct {
	number int
	space  *addrspace.Space
	logger *zap.Logger

	mu       sync.RWMutex
	data     []byte
	fields   []field
	revision uint64
}

func NewDB(space *addrspace.Space, profile *types.DeviceProfileDefinition, cfg Config, logger *zap.Logger) (*DB, error) {
	if cfg.DBNumber < 1 {
		return nil, &types.ConfigError{Section: "snap7_server", Key: "db_number", Err: fmt.Errorf("must be >= 1, got %d", cfg.DBNumber)}
	}
	if cfg.DBSize < 1 || cfg.DBSize > 65535 {
		return nil, &types.ConfigError{Section: "snap7_server", Key: "db_size", Err: fmt.Errorf("must be 1..65535, got %d", cfg.DBSize)}
	}

	db := &DB{
		number: cfg.DBNumber,
		space:  space,
		logger: logger,
		data:   make([]byte, cfg.DBSize),
	}

	for _, def := range profile.Tags {
		if def.S7 == nil {
			continue
		}
		tag, ok := space.Lookup(def.Name)
		if !ok {
			continue
		}
		f := field{tag: tag, mapping: *def.S7}
		if f.mapping.Offset < 0 || f.mapping.Offset+f.size() > cfg.DBSize {
			return nil, fmt.Errorf("tag %s: offset %d outside DB%d", def.Name, f.mapping.Offset, cfg.DBNumber)
		}
		if f.mapping.DataType == types.DataTypeBool && (f.mapping.Bit < 0 || f.mapping.Bit > 7) {
			return nil, fmt.Errorf("tag %s: bit %d outside 0..7", def.Name, f.mapping.Bit)
		}
		db.fields = append(db.fields, f)
	}

	return db, nil
}

func (db *DB) Name() string {
	return "s7"
}

func (db *DB) Number() int {
	return db.number
}

func (db *DB) Size() int {
	return len(db.data)
}

func (db *DB) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// älter als der letzte Client-Write
	if snap.Revision < db.revision {
		return nil
	}
	db.revision = snap.Revision
	for _, f := range db.fields {
		if value, ok := snap.Value(f.tag.Name); ok {
			db.encode(f, value)
		}
	}
	return nil
}

func (db *DB) encode(f field, value types.Value) {
	off := f.mapping.Offset
	switch f.mapping.DataType {
	case types.DataTypeFloat32:
		binary.BigEndian.PutUint32(db.data[off:], math.Float32bits(float32(value.Float())))
	case types.DataTypeInt16:
		v := math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(value.Float())))
		binary.BigEndian.PutUint16(db.data[off:], uint16(int16(v)))
	case types.DataTypeUint16:
		v := math.Max(0, math.Min(math.MaxUint16, math.Round(value.Float())))
		binary.BigEndian.PutUint16(db.data[off:], uint16(v))
	default:
		mask := byte(1) << f.mapping.Bit
		if value.Coerce(types.KindBinary).Binary {
			db.data[off] |= mask
		} else {
			db.data[off] &^= mask
		}
	}
}

func (db *DB) decode(f field) types.Value {
	off := f.mapping.Offset
	var v types.Value
	switch f.mapping.DataType {
	case types.DataTypeFloat32:
		v = types.AnalogValue(float64(math.Float32frombits(binary.BigEndian.Uint32(db.data[off:]))))
	case types.DataTypeInt16:
		v = types.AnalogValue(float64(int16(binary.BigEndian.Uint16(db.data[off:]))))
	case types.DataTypeUint16:
		v = types.AnalogValue(float64(binary.BigEndian.Uint16(db.data[off:])))
	default:
		v = types.BinaryValue(db.data[off]&(byte(1)<<f.mapping.Bit) != 0)
	}
	return v.Coerce(f.tag.Kind)
}

func (db *DB) checkArea(start, size int) error {
	if start < 0 || size < 1 || start+size > len(db.data) {
		return &AreaError{DB: db.number, Start: start, Size: size, Limit: len(db.data)}
	}
	return nil
}

// ReadArea liefert eine Kopie von size Bytes ab start
func (db *DB) ReadArea(start, size int) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.checkArea(start, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, db.data[start:])
	return out, nil
}

// WriteArea stores data at start. Tags whose field overlaps the written bytes
// are written through to the AddressSpace.
func (db *DB) WriteArea(start int, data []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkArea(start, len(data)); err != nil {
		return err
	}
	copy(db.data[start:], data)

	updates := make(map[string]types.Value)
	for _, f := range db.fields {
		if f.overlaps(start, len(data)) {
			updates[f.tag.Name] = db.decode(f)
		}
	}
	return db.writeThrough(updates)
}

func (db *DB) writeBit(offset, bit int, value bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkArea(offset, 1); err != nil {
		return err
	}
	mask := byte(1) << bit
	if value {
		db.data[offset] |= mask
	} else {
		db.data[offset] &^= mask
	}

	updates := make(map[string]types.Value)
	for _, f := range db.fields {
		if f.mapping.DataType == types.DataTypeBool {
			if f.mapping.Offset == offset && f.mapping.Bit == bit {
				updates[f.tag.Name] = db.decode(f)
			}
		} else if f.overlaps(offset, 1) {
			updates[f.tag.Name] = db.decode(f)
		}
	}
	return db.writeThrough(updates)
}

// writeThrough läuft unter db.mu
func (db *DB) writeThrough(updates map[string]types.Value) error {
	if len(updates) == 0 {
		return nil
	}
	snap, err := db.space.Commit(updates)
	if err != nil {
		return fmt.Errorf("DB%d write-through: %w", db.number, err)
	}
	if snap.Revision > db.revision {
		db.revision = snap.Revision
	}
	for name, value := range updates {
		db.logger.Info("S7 client wrote tag",
			zap.Int("db", db.number),
			zap.String("tag", name),
			zap.Stringer("value", value),
			zap.Uint64("revision", snap.Revision))
	}
	return nil
}

// UnknownDBError: die Adresse zeigt auf einen DB, den das Image nicht führt
type UnknownDBError struct {
	DB int
}

func (e *UnknownDBError) Error() string {
	return fmt.Sprintf("DB%d not available", e.DB)
}

func (db *DB) resolve(address string) (Address, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return Address{}, err
	}
	if addr.DB != db.number {
		return Address{}, &UnknownDBError{DB: addr.DB}
	}
	return addr, nil
}

// ReadAddress reads one STEP 7 address. DBX yields a binary value, DBB an
// unsigned byte, DBW an INT and DBD a REAL.
func (db *DB) ReadAddress(address string) (types.Value, error) {
	addr, err := db.resolve(address)
	if err != nil {
		return types.Value{}, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.checkArea(addr.Offset, addr.Width.Size()); err != nil {
		return types.Value{}, err
	}
	raw := db.data[addr.Offset:]
	switch addr.Width {
	case WidthBit:
		return types.BinaryValue(raw[0]&(byte(1)<<addr.Bit) != 0), nil
	case WidthByte:
		return types.AnalogValue(float64(raw[0])), nil
	case WidthWord:
		return types.AnalogValue(float64(int16(binary.BigEndian.Uint16(raw)))), nil
	default:
		return types.AnalogValue(float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))), nil
	}
}

// WriteAddress is the inverse of ReadAddress. Byte and INT values are rounded
// and clamped to their range.
func (db *DB) WriteAddress(address string, value types.Value) error {
	addr, err := db.resolve(address)
	if err != nil {
		return err
	}

	switch addr.Width {
	case WidthBit:
		return db.writeBit(addr.Offset, addr.Bit, value.Coerce(types.KindBinary).Binary)
	case WidthByte:
		return db.WriteArea(addr.Offset, []byte{byte(math.Max(0, math.Min(255, math.Round(value.Float()))))})
	case WidthWord:
		buf := make([]byte, 2)
		v := math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(value.Float())))
		binary.BigEndian.PutUint16(buf, uint16(int16(v)))
		return db.WriteArea(addr.Offset, buf)
	default:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(value.Float())))
		return db.WriteArea(addr.Offset, buf)
	}
}
