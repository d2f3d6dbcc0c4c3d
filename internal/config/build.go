package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"github.com/KevinKickass/OpenFieldSim/internal/modbus"
	"github.com/KevinKickass/OpenFieldSim/internal/mqtt"
	"github.com/KevinKickass/OpenFieldSim/internal/opcua"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) TankConfig() device.Config {
	return device.Config{
		InitialLevel:       c.Simulation.InitialLevel,
		InitialTemperature: c.Simulation.InitialTemperature,
		HighThreshold:      c.Simulation.HighThreshold,
		LowThreshold:       c.Simulation.LowThreshold,
	}
}

// LoopPeriod ist server_loop_time als Duration
func (c *Config) LoopPeriod() time.Duration {
	return seconds(c.Simulation.ServerLoopTime)
}

func (c *Config) ModbusServer() modbus.ServerConfig {
	return modbus.ServerConfig{
		Host:            c.Server.Host,
		Port:            c.Server.Port,
		UnitID:          uint8(c.Server.UnitID),
		SingleSlaveMode: c.Server.SingleSlaveMode,
		BlockSize:       c.Server.BlockSize,
		InitialValue:    uint16(c.Server.InitialValue),
	}
}

func (c *Config) BACnetTable() bacnet.Config {
	return bacnet.Config{
		DeviceID:            uint32(c.BACnet.DeviceID),
		DeviceName:          c.BACnet.DeviceName,
		WaterLevelObjectID:  uint32(c.BACnet.WaterLevelObjectID),
		TemperatureObjectID: uint32(c.BACnet.TemperatureObjectID),
		AlarmObjectID:       uint32(c.BACnet.AlarmObjectID),
	}
}

func (c *Config) S7DB() s7.Config {
	return s7.Config{DBNumber: c.S7.DBNumber, DBSize: c.S7.DBSize}
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

func (c *Config) ShutdownTimeout() time.Duration {
	if c.HTTP.ShutdownTimeout < 1 {
		return 10 * time.Second
	}
	return seconds(c.HTTP.ShutdownTimeout)
}

func (c *Config) MQTTOptions() mqtt.ClientOptions {
	return mqtt.ClientOptions{
		Host:           c.Broker.Host,
		Port:           c.Broker.Port,
		ClientID:       c.Broker.ClientID,
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		CleanSession:   c.Broker.CleanSession,
		QoS:            byte(c.Broker.QoS),
		KeepAlive:      seconds(c.Broker.KeepAlive),
		ConnectTimeout: seconds(c.Broker.ConnectTimeout),
	}
}

func (c *Config) MQTTPublisher() mqtt.PublisherConfig {
	return mqtt.PublisherConfig{
		Topic:   c.Publisher.Topic,
		Format:  mqtt.Format(strings.ToLower(c.Publisher.Format)),
		Retain:  c.Publisher.Retain,
		Timeout: seconds(c.Publisher.PublishTimeout),
	}
}

// OPCUAVariables liefert die drei Zähler aus [variables]
func (c *Config) OPCUAVariables() []opcua.VariableConfig {
	v := c.Variables
	return []opcua.VariableConfig{
		{Name: v.Node1Name, NodeID: v.Node1NodeID, Initial: v.Node1Initial},
		{Name: v.Node2Name, NodeID: v.Node2NodeID, Initial: v.Node2Initial},
		{Name: v.Node3Name, NodeID: v.Node3NodeID, Initial: v.Node3Initial},
	}
}

func (c *Config) OPCUAClient() opcua.Config {
	endpoint := c.Client.Endpoint
	if endpoint == "" {
		endpoint = opcua.DefaultEndpoint
	}
	return opcua.Config{Endpoint: endpoint, RequestTimeout: seconds(c.Client.Timeout)}
}

func (c *Config) ModbusSerial() modbus.SerialConfig {
	s := c.ClientSerial
	return modbus.SerialConfig{
		Port:     s.Port,
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		Parity:   s.Parity,
		StopBits: s.StopBits,
	}
}

// ModbusAddress is host:port of the Modbus server the poller talks to.
func (c *Config) ModbusAddress() string {
	return net.JoinHostPort(c.Client.Host, strconv.Itoa(c.Client.Port))
}

// HTTPBaseURL: endpoint hat Vorrang, sonst http://host:port
func (c *Config) HTTPBaseURL() string {
	if c.Client.Endpoint != "" {
		return strings.TrimRight(c.Client.Endpoint, "/")
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.Client.Host, strconv.Itoa(c.Client.Port)))
}
