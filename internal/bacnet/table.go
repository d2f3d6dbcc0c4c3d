package bacnet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

// Config entspricht der [bacnet_server] Sektion. Instanz 0 = Wert aus dem Profil.
type Config struct {
	DeviceID            uint32 `mapstructure:"device_id"`
	DeviceName          string `mapstructure:"device_name"`
	WaterLevelObjectID  uint32 `mapstructure:"water_level_object_id"`
	TemperatureObjectID uint32 `mapstructure:"temperature_object_id"`
	AlarmObjectID       uint32 `mapstructure:"alarm_object_id"`
}

func DefaultConfig() Config {
	return Config{DeviceID: 1234, DeviceName: "WaterTankDevice"}
}

// Table is the BACnet object list of the device. It mirrors snapshots into
// presentValue and serves ReadProperty/WriteProperty, which the REST surface
// exposes to remote clients.
type Table struct {
	cfg     Config
	space   *addrspace.Space
	logger  *zap.Logger
	mu      sync.RWMutex
	objects map[ObjectID]*Object
	byTag   map[string]ObjectID
	// Revision des letzten Snapshots oder Write-Through
	revision uint64
}

func NewTable(space *addrspace.Space, profile *types.DeviceProfileDefinition, cfg Config, logger *zap.Logger) (*Table, error) {
	t := &Table{
		cfg:     cfg,
		space:   space,
		logger:  logger,
		objects: make(map[ObjectID]*Object),
		byTag:   make(map[string]ObjectID),
	}

	overrides := map[string]uint32{
		"level":       cfg.WaterLevelObjectID,
		"temperature": cfg.TemperatureObjectID,
		"alarm":       cfg.AlarmObjectID,
	}

	for _, def := range profile.Tags {
		if def.BACnet == nil {
			continue
		}
		objectType, err := ParseObjectType(def.BACnet.ObjectType)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", def.Name, err)
		}
		if objectType.Kind() != def.Kind {
			return nil, fmt.Errorf("tag %s: %s cannot hold a %s value", def.Name, objectType, def.Kind)
		}

		id := ObjectID{Type: objectType, Instance: def.BACnet.Instance}
		if inst := overrides[def.Name]; inst != 0 {
			id.Instance = inst
		}
		if _, dup := t.objects[id]; dup {
			return nil, fmt.Errorf("tag %s: object %s defined twice", def.Name, id)
		}

		initial, _, err := space.Read(def.Name)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", def.Name, err)
		}

		name := def.BACnet.ObjectName
		if name == "" {
			name = def.Name
		}
		t.objects[id] = &Object{
			ID:           id,
			Name:         name,
			Units:        def.BACnet.Units,
			Tag:          def.Name,
			PresentValue: initial,
		}
		t.byTag[def.Name] = id
	}

	return t, nil
}

func (t *Table) Name() string {
	return "bacnet"
}

// Device returns the device object identifier.
func (t *Table) Device() (uint32, string) {
	return t.cfg.DeviceID, t.cfg.DeviceName
}

// Publish synchronisiert presentValue mit dem Snapshot. Snapshots older than
// the last write-through are dropped.
func (t *Table) Publish(ctx context.Context, snap addrspace.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.Revision < t.revision {
		return nil
	}
	t.revision = snap.Revision
	for tag, id := range t.byTag {
		if value, ok := snap.Value(tag); ok {
			t.objects[id].PresentValue = value
		}
	}
	return nil
}

// Objects lists all objects ordered by type and instance.
func (t *Table) Objects() []Object {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Object, 0, len(t.objects))
	for _, obj := range t.objects {
		out = append(out, *obj)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Type != out[j].ID.Type {
			return out[i].ID.Type < out[j].ID.Type
		}
		return out[i].ID.Instance < out[j].ID.Instance
	})
	return out
}

func (t *Table) Object(id ObjectID) (Object, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	obj, ok := t.objects[id]
	if !ok {
		return Object{}, &ObjectError{ID: id, Code: ErrorCodeUnknownObject, Detail: "unknown object"}
	}
	return *obj, nil
}

func (t *Table) ReadProperty(id ObjectID, property string) (types.Value, error) {
	if property != PropertyPresentValue {
		return types.Value{}, &ObjectError{ID: id, Code: ErrorCodeUnknownProperty, Detail: "unknown property " + property}
	}
	obj, err := t.Object(id)
	if err != nil {
		return types.Value{}, err
	}
	return obj.PresentValue, nil
}

// WriteProperty writes presentValue. Numbers written to a binary object are
// read as inactive when 0. Objects bound to a tag write through to the
// AddressSpace, so an alarm clear lasts until the next tick.
func (t *Table) WriteProperty(id ObjectID, property string, value types.Value) error {
	if property != PropertyPresentValue {
		return &ObjectError{ID: id, Code: ErrorCodeWriteAccessDenied, Detail: "property " + property + " is read-only"}
	}

	// Lock bleibt bis presentValue gesetzt ist, sonst überholt ein Publish den Write
	t.mu.Lock()
	defer t.mu.Unlock()

	obj, ok := t.objects[id]
	if !ok {
		return &ObjectError{ID: id, Code: ErrorCodeUnknownObject, Detail: "unknown object"}
	}
	value = value.Coerce(id.Type.Kind())

	if obj.Tag != "" {
		rev, err := t.space.Write(obj.Tag, value)
		if err != nil {
			var mismatch *types.TypeMismatchError
			if errors.As(err, &mismatch) {
				return &ObjectError{ID: id, Code: ErrorCodeInvalidDataType, Detail: err.Error()}
			}
			return err
		}
		if rev > t.revision {
			t.revision = rev
		}
	}
	obj.PresentValue = value

	t.logger.Info("BACnet property written",
		zap.Stringer("object", id),
		zap.String("tag", obj.Tag),
		zap.Stringer("value", value))
	return nil
}
