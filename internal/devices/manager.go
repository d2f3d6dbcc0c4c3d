package devices

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenFieldSim/internal/addrspace"
	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/modbus"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

// Options selects which representations Build creates. A nil section
// disables that representation.
type Options struct {
	Modbus *modbus.ServerConfig
	BACnet *bacnet.Config
	S7     *s7.Config
}

// Representations are the protocol views of one AddressSpace.
type Representations struct {
	Profile     *types.DeviceProfileDefinition
	ModbusStore *modbus.DataStore
	Modbus      *modbus.DeviceImage
	BACnet      *bacnet.Table
	S7          *s7.DB
}

// Publishers returns the representations that follow every snapshot.
func (r *Representations) Publishers() []transport.Publisher {
	var out []transport.Publisher
	if r.Modbus != nil {
		out = append(out, r.Modbus)
	}
	if r.BACnet != nil {
		out = append(out, r.BACnet)
	}
	if r.S7 != nil {
		out = append(out, r.S7)
	}
	return out
}

type Manager struct {
	loader *ProfileLoader
	mu     sync.RWMutex
	built  map[string]*Representations
	logger *zap.Logger
}

func NewManager(searchPaths []string, logger *zap.Logger) (*Manager, error) {
	loader, err := NewProfileLoader(searchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	return &Manager{
		loader: loader,
		built:  make(map[string]*Representations),
		logger: logger,
	}, nil
}

func (m *Manager) Loader() *ProfileLoader {
	return m.loader
}

// Build loads the profile and creates the enabled representations on top of
// space. Every profile tag must exist in the space with the same kind.
func (m *Manager) Build(profileName string, space *addrspace.Space, opts Options) (*Representations, error) {
	profile, err := m.loader.Load(profileName)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", profileName, err)
	}
	if err := checkTags(profile, space); err != nil {
		return nil, err
	}

	reps := &Representations{Profile: profile}

	if opts.Modbus != nil {
		reps.ModbusStore = modbus.NewDataStore(opts.Modbus.BlockSize, opts.Modbus.InitialValue)
		reps.Modbus, err = modbus.NewDeviceImage(reps.ModbusStore, space, profile, m.logger.Named("modbus"))
		if err != nil {
			return nil, fmt.Errorf("failed to create modbus image: %w", err)
		}
	}

	if opts.BACnet != nil {
		reps.BACnet, err = bacnet.NewTable(space, profile, *opts.BACnet, m.logger.Named("bacnet"))
		if err != nil {
			return nil, fmt.Errorf("failed to create bacnet objects: %w", err)
		}
	}

	if opts.S7 != nil {
		reps.S7, err = s7.NewDB(space, profile, *opts.S7, m.logger.Named("s7"))
		if err != nil {
			return nil, fmt.Errorf("failed to create s7 db: %w", err)
		}
	}

	m.mu.Lock()
	m.built[profile.DeviceProfile.ID] = reps
	m.mu.Unlock()

	m.logger.Info("Device representations built",
		zap.String("profile", profile.DeviceProfile.ID),
		zap.Int("tags", len(profile.Tags)),
		zap.Bool("modbus", reps.Modbus != nil),
		zap.Bool("bacnet", reps.BACnet != nil),
		zap.Bool("s7", reps.S7 != nil))

	return reps, nil
}

// Get liefert die zuletzt gebauten Repräsentationen eines Profils
func (m *Manager) Get(profileID string) (*Representations, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reps, ok := m.built[profileID]
	return reps, ok
}

func checkTags(profile *types.DeviceProfileDefinition, space *addrspace.Space) error {
	for _, def := range profile.Tags {
		tag, ok := space.Lookup(def.Name)
		if !ok {
			return &types.ConfigError{Section: "device_profile", Key: def.Name, Err: &types.UnknownTagError{Name: def.Name}}
		}
		if tag.Kind != def.Kind {
			return &types.ConfigError{Section: "device_profile", Key: def.Name,
				Err: &types.TypeMismatchError{Name: def.Name, Expected: tag.Kind, Got: def.Kind}}
		}
	}
	return nil
}
