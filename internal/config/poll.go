package config

import (
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"github.com/KevinKickass/OpenFieldSim/internal/devices"
	"github.com/KevinKickass/OpenFieldSim/internal/httpclient"
	"github.com/KevinKickass/OpenFieldSim/internal/modbus"
	"github.com/KevinKickass/OpenFieldSim/internal/opcua"
	"github.com/KevinKickass/OpenFieldSim/internal/poll"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
)

// Gruppen-Namen des Pollers
const (
	GroupCoils     = "coils"
	GroupDiscretes = "discretes"
	GroupHolding   = "holding_registers"
	GroupInput     = "input_registers"
	GroupVariables = "variables"
	GroupTags      = "tags"
	GroupDB        = "db"
)

// PollConfig builds the poll client configuration for the configured
// adapter. Address strings are parsed here so a malformed one fails at
// startup.
func (c *Config) PollConfig() (poll.Config, error) {
	cfg := poll.Config{
		Interval:    seconds(c.Client.PollInterval),
		ReadTimeout: seconds(c.Client.Timeout),
		Once:        c.Client.Once,
		Retry:       transport.DefaultRetryPolicy(),
	}
	if c.Client.ConnectRetries >= 0 {
		cfg.Retry.Attempts = uint64(c.Client.ConnectRetries)
	}

	var (
		defaultClear *poll.AlarmClear
		err          error
	)
	switch strings.ToLower(c.Client.Adapter) {
	case "modbus":
		cfg.Groups, err = c.modbusGroups()
		if err == nil && c.AlarmClear.Enabled {
			defaultClear, err = c.modbusAlarmClear(cfg.Groups[0])
		}
	case "opcua":
		cfg.Groups, err = c.opcuaGroups()
	case "http":
		cfg.Groups, defaultClear = c.httpGroups()
	case "s7":
		cfg.Groups, cfg.Counter = c.s7Groups()
	default:
		return cfg, &types.ConfigError{Section: "client", Key: "adapter", Err: fmt.Errorf("unknown adapter %q", c.Client.Adapter)}
	}
	if err != nil {
		return cfg, err
	}

	// Ohne gelesene Alarm-Coil gibt es nichts zu quittieren
	explicit := c.AlarmClear.Group != "" || c.AlarmClear.Target != ""
	skipClear := strings.EqualFold(c.Client.Adapter, "modbus") && defaultClear == nil && !explicit

	if c.AlarmClear.Enabled && !c.Client.ReadOnly && !skipClear {
		ac, err := c.alarmClear(defaultClear, cfg.Groups)
		if err != nil {
			return cfg, err
		}
		cfg.AlarmClear = ac
	}
	return cfg, nil
}

func (c *Config) modbusGroups() ([]transport.Group, error) {
	d := c.ClientData
	blocks := []struct {
		name, space  string
		start, count int
		kind         types.Kind
	}{
		{GroupCoils, modbus.SpaceCoils, d.CoilsStart, d.CoilsCount, types.KindBinary},
		{GroupDiscretes, modbus.SpaceDiscretes, d.DiscretesStart, d.DiscretesCount, types.KindBinary},
		{GroupHolding, modbus.SpaceHolding, d.HoldingStart, d.HoldingCount, types.KindAnalog},
		{GroupInput, modbus.SpaceInput, d.InputStart, d.InputCount, types.KindAnalog},
	}

	groups := make([]transport.Group, 0, len(blocks))
	for _, b := range blocks {
		if b.start < 0 || b.count < 0 || b.start+b.count > 65536 {
			return nil, &types.ConfigError{Section: "client_data", Key: b.name,
				Err: fmt.Errorf("range %d+%d outside 0..65535", b.start, b.count)}
		}
		groups = append(groups, transport.Group{
			Name:  b.name,
			Space: b.space,
			Start: uint16(b.start),
			Count: uint16(b.count),
			Kind:  b.kind,
		})
	}
	return groups, nil
}

// modbusAlarmClear points the default clear at the profile's alarm coil. It
// returns nil when the coils group does not read that coil.
func (c *Config) modbusAlarmClear(coils transport.Group) (*poll.AlarmClear, error) {
	loader, err := devices.NewProfileLoader(c.Devices.SearchPaths)
	if err != nil {
		return nil, err
	}
	profile, err := loader.Load(c.Devices.Profile)
	if err != nil {
		return nil, &types.ConfigError{Section: "device_profiles", Key: "profile", Err: err}
	}

	tag, ok := profile.FindTag(device.TagAlarm)
	if !ok {
		return nil, nil
	}
	for _, m := range tag.Modbus {
		if m.Table != types.RegisterTypeCoil {
			continue
		}
		if m.Address < coils.Start || int(m.Address) >= int(coils.Start)+int(coils.Count) {
			return nil, nil
		}
		return &poll.AlarmClear{
			Group:    coils.Name,
			Index:    int(m.Address - coils.Start),
			Target:   transport.Target{Address: fmt.Sprintf("%s:%d", modbus.SpaceCoils, m.Address), Kind: types.KindBinary},
			Inactive: types.BinaryValue(false),
		}, nil
	}
	return nil, nil
}

// s7Groups liest [snap7_client] start/size als Bytes; der Zähler sitzt wie
// beim snap7-Client auf dem zweiten Byte.
func (c *Config) s7Groups() ([]transport.Group, *poll.Counter) {
	s := c.S7Client
	group := transport.Group{
		Name:  GroupDB,
		Space: httpclient.SpaceDB,
		Start: uint16(s.Start),
		Count: uint16(s.Size),
		Kind:  types.KindAnalog,
	}
	if !s.Increment || c.Client.ReadOnly || s.Size < 2 {
		return []transport.Group{group}, nil
	}

	addr := s7.Address{DB: s.DBNumber, Width: s7.WidthByte, Offset: s.Start + 1}
	return []transport.Group{group}, &poll.Counter{
		Group:  GroupDB,
		Index:  1,
		Target: transport.Target{Address: "s7/" + addr.String(), Kind: types.KindAnalog},
		Step:   1,
		Modulo: 256,
	}
}

func (c *Config) opcuaGroups() ([]transport.Group, error) {
	v := c.ClientVariables
	group := transport.Group{Name: GroupVariables, Space: "nodes"}
	for _, id := range []string{v.Node1NodeID, v.Node2NodeID, v.Node3NodeID} {
		if id == "" {
			continue
		}
		addr, err := opcua.ParseNodeAddress(id)
		if err != nil {
			return nil, err
		}
		group.Targets = append(group.Targets, transport.Target{Address: addr.String(), Kind: types.KindAnalog})
	}
	return []transport.Group{group}, nil
}

func (c *Config) httpGroups() ([]transport.Group, *poll.AlarmClear) {
	group := transport.Group{Name: GroupTags, Space: "tags"}
	var ac *poll.AlarmClear

	for i, name := range c.ClientVariables.Tags {
		name = strings.TrimSpace(name)
		kind := types.KindAnalog
		if name == device.TagAlarm {
			kind = types.KindBinary
			ac = &poll.AlarmClear{
				Group:    GroupTags,
				Index:    i,
				Target:   transport.Target{Address: name, Kind: types.KindBinary},
				Inactive: types.BinaryValue(false),
			}
		}
		group.Targets = append(group.Targets, transport.Target{Address: name, Kind: kind})
	}
	return []transport.Group{group}, ac
}

// alarmClear: explizite Werte aus [alarm_clear] überschreiben den Default des Adapters
func (c *Config) alarmClear(def *poll.AlarmClear, groups []transport.Group) (*poll.AlarmClear, error) {
	ac := &poll.AlarmClear{Inactive: types.BinaryValue(false)}
	if def != nil {
		*ac = *def
	}

	if c.AlarmClear.Group != "" {
		ac.Group = c.AlarmClear.Group
		ac.Index = c.AlarmClear.Index
	}
	if c.AlarmClear.Target != "" {
		ac.Target = transport.Target{Address: c.AlarmClear.Target, Kind: types.KindBinary}
	}

	if ac.Group == "" || ac.Target.Address == "" {
		return nil, &types.ConfigError{Section: "alarm_clear", Key: "target",
			Err: fmt.Errorf("adapter %s needs an explicit group and target", c.Client.Adapter)}
	}
	// opcua-Ziele früh prüfen
	if strings.HasPrefix(ac.Target.Address, "ns=") {
		if _, err := opcua.ParseNodeAddress(ac.Target.Address); err != nil {
			return nil, err
		}
	}

	for _, g := range groups {
		if g.Name == ac.Group {
			return ac, nil
		}
	}
	return nil, &types.ConfigError{Section: "alarm_clear", Key: "group", Err: fmt.Errorf("unknown group %q", ac.Group)}
}
