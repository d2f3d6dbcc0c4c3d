package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenFieldSim/internal/device"
	"github.com/KevinKickass/OpenFieldSim/internal/modbus"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// EnvPrefix: OFS_SIMULATION_SERVER_LOOP_TIME überschreibt simulation.server_loop_time
const EnvPrefix = "OFS"

type Role string

const (
	RoleSimulator  Role = "simulator"
	RolePoller     Role = "poller"
	RoleSubscriber Role = "subscriber"
)

// Pflicht-Sektionen je Rolle, geprüft sobald eine Config-Datei angegeben ist
var requiredSections = map[Role][]string{
	RoleSimulator:  {"simulation"},
	RolePoller:     {"client"},
	RoleSubscriber: {"mqtt_broker", "subscriber"},
}

// Alte Schlüsselnamen der BACnet-Konfiguration
var aliases = map[string]string{
	"simulation.high_level_threshold": "simulation.high_threshold",
	"simulation.low_level_threshold":  "simulation.low_threshold",
}

// flagKeys bindet Kommandozeilen-Flags an Config-Schlüssel
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"once":      "client.once",
	"read-only": "client.read_only",
	"adapter":   "client.adapter",
}

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Devices    DevicesConfig    `mapstructure:"device_profiles"`

	// Simulator-Repräsentationen
	Server    ModbusServerConfig `mapstructure:"server"`
	BACnet    BACnetConfig       `mapstructure:"bacnet_server"`
	S7        S7Config           `mapstructure:"snap7_server"`
	HTTP      HTTPConfig         `mapstructure:"http"`
	JSONData  JSONDataConfig     `mapstructure:"json_data"`
	GRPC      GRPCConfig         `mapstructure:"grpc"`
	Variables VariablesConfig    `mapstructure:"variables"`

	// MQTT
	Broker     BrokerConfig     `mapstructure:"mqtt_broker"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`

	// Poller
	Client          ClientConfig          `mapstructure:"client"`
	ClientSerial    SerialConfig          `mapstructure:"client_serial"`
	ClientData      ClientDataConfig      `mapstructure:"client_data"`
	ClientVariables ClientVariablesConfig `mapstructure:"client_variables"`
	S7Client        S7ClientConfig        `mapstructure:"snap7_client"`
	AlarmClear      AlarmClearConfig      `mapstructure:"alarm_clear"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SimulationConfig struct {
	ServerLoopTime     int     `mapstructure:"server_loop_time"`
	InitialLevel       float64 `mapstructure:"initial_level"`
	InitialTemperature float64 `mapstructure:"initial_temperature"`
	HighThreshold      float64 `mapstructure:"high_threshold"`
	LowThreshold       float64 `mapstructure:"low_threshold"`
	// Seed 0 = zufällig
	Seed uint64 `mapstructure:"seed"`
}

type DevicesConfig struct {
	Profile     string   `mapstructure:"profile"`
	SearchPaths []string `mapstructure:"search_paths"`
}

type ModbusServerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	UnitID          int    `mapstructure:"unit_id"`
	SingleSlaveMode bool   `mapstructure:"single_slave_mode"`
	BlockSize       int    `mapstructure:"block_size"`
	InitialValue    int    `mapstructure:"initial_value"`
}

type BACnetConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	DeviceID            int    `mapstructure:"device_id"`
	DeviceName          string `mapstructure:"device_name"`
	WaterLevelObjectID  int    `mapstructure:"water_level_object_id"`
	TemperatureObjectID int    `mapstructure:"temperature_object_id"`
	AlarmObjectID       int    `mapstructure:"alarm_object_id"`
}

type S7Config struct {
	Enabled  bool `mapstructure:"enabled"`
	DBNumber int  `mapstructure:"db_number"`
	DBSize   int  `mapstructure:"db_size"`
}

type HTTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Endpoint string `mapstructure:"endpoint"`
	// ShutdownTimeout in Sekunden
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

type JSONDataConfig struct {
	Payload string `mapstructure:"payload"`
}

type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// VariablesConfig entspricht [variables] des OPC UA Servers (node1_* .. node3_*)
type VariablesConfig struct {
	Node1Name    string  `mapstructure:"node1_name"`
	Node1NodeID  string  `mapstructure:"node1_nodeid"`
	Node1Initial float64 `mapstructure:"node1_initial_value"`
	Node2Name    string  `mapstructure:"node2_name"`
	Node2NodeID  string  `mapstructure:"node2_nodeid"`
	Node2Initial float64 `mapstructure:"node2_initial_value"`
	Node3Name    string  `mapstructure:"node3_name"`
	Node3NodeID  string  `mapstructure:"node3_nodeid"`
	Node3Initial float64 `mapstructure:"node3_initial_value"`
}

type BrokerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ClientID     string `mapstructure:"client_id"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	CleanSession bool   `mapstructure:"clean_session"`
	QoS          int    `mapstructure:"qos"`
	// Sekunden
	KeepAlive      int `mapstructure:"keepalive"`
	ConnectTimeout int `mapstructure:"connect_timeout"`
	ConnectRetries int `mapstructure:"connect_retries"`
}

type PublisherConfig struct {
	Topic          string `mapstructure:"topic"`
	Format         string `mapstructure:"format"`
	Retain         bool   `mapstructure:"retain"`
	PublishTimeout int    `mapstructure:"publish_timeout"`
}

type SubscriberConfig struct {
	Topic  string `mapstructure:"topic"`
	Format string `mapstructure:"format"`
}

type ClientConfig struct {
	// Adapter: modbus, opcua, http, s7
	Adapter    string `mapstructure:"adapter"`
	ClientType string `mapstructure:"client_type"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	UnitID     int    `mapstructure:"unit_id"`
	Endpoint   string `mapstructure:"endpoint"`
	// PollInterval und Timeout in Sekunden
	PollInterval   int  `mapstructure:"poll_interval"`
	Timeout        int  `mapstructure:"timeout"`
	ConnectRetries int  `mapstructure:"connect_retries"`
	ReadOnly       bool `mapstructure:"read_only"`
	Once           bool `mapstructure:"once"`
}

type SerialConfig struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baudrate"`
	DataBits int    `mapstructure:"databits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stopbits"`
}

type ClientDataConfig struct {
	CoilsStart     int `mapstructure:"coils_start_address"`
	CoilsCount     int `mapstructure:"coils_count"`
	DiscretesStart int `mapstructure:"discretes_start_address"`
	DiscretesCount int `mapstructure:"discretes_count"`
	HoldingStart   int `mapstructure:"holding_registers_start_address"`
	HoldingCount   int `mapstructure:"holding_registers_count"`
	InputStart     int `mapstructure:"input_registers_start_address"`
	InputCount     int `mapstructure:"input_registers_count"`
}

// ClientVariablesConfig: Ziele für opcua (Node-IDs) und http (Tag-Namen)
type ClientVariablesConfig struct {
	Node1NodeID string   `mapstructure:"node1_nodeid"`
	Node2NodeID string   `mapstructure:"node2_nodeid"`
	Node3NodeID string   `mapstructure:"node3_nodeid"`
	Tags        []string `mapstructure:"tags"`
}

// S7ClientConfig entspricht der [snap7_client] Sektion. Der Bereich wird über
// die REST-API des Simulators gelesen; Increment zählt Byte start+1 hoch.
type S7ClientConfig struct {
	DBNumber  int  `mapstructure:"db_number"`
	Start     int  `mapstructure:"start"`
	Size      int  `mapstructure:"size"`
	Increment bool `mapstructure:"increment"`
}

type AlarmClearConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Target ist die Schreibadresse, z.B. "coils:0", "ns=2;s=TankAlarm" oder "alarm"
	Target string `mapstructure:"target"`
	// Group/Index zeigen auf den gelesenen Alarmwert
	Group string `mapstructure:"group"`
	Index int    `mapstructure:"index"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("simulation.server_loop_time", 5)
	tank := device.DefaultConfig()
	v.SetDefault("simulation.initial_level", tank.InitialLevel)
	v.SetDefault("simulation.initial_temperature", tank.InitialTemperature)
	v.SetDefault("simulation.high_threshold", tank.HighThreshold)
	v.SetDefault("simulation.low_threshold", tank.LowThreshold)
	v.SetDefault("simulation.seed", 0)

	v.SetDefault("device_profiles.profile", "water-tank")
	v.SetDefault("device_profiles.search_paths", []string{"./profiles"})

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5020)
	v.SetDefault("server.unit_id", 1)
	v.SetDefault("server.single_slave_mode", true)
	v.SetDefault("server.block_size", 100)
	v.SetDefault("server.initial_value", 0)

	v.SetDefault("bacnet_server.enabled", true)
	v.SetDefault("bacnet_server.device_id", 1234)
	v.SetDefault("bacnet_server.device_name", "WaterTankDevice")
	v.SetDefault("bacnet_server.water_level_object_id", 0)
	v.SetDefault("bacnet_server.temperature_object_id", 0)
	v.SetDefault("bacnet_server.alarm_object_id", 0)

	v.SetDefault("snap7_server.enabled", true)
	v.SetDefault("snap7_server.db_number", 1)
	v.SetDefault("snap7_server.db_size", 256)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 5000)
	v.SetDefault("http.endpoint", "/api/data")
	v.SetDefault("http.shutdown_timeout", 10)
	v.SetDefault("json_data.payload", `{"status": "OK"}`)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("variables.node1_name", "Variable1")
	v.SetDefault("variables.node1_nodeid", "ns=2;s=Var1")
	v.SetDefault("variables.node1_initial_value", 0.0)
	v.SetDefault("variables.node2_name", "Variable2")
	v.SetDefault("variables.node2_nodeid", "ns=2;s=Var2")
	v.SetDefault("variables.node2_initial_value", 0.0)
	v.SetDefault("variables.node3_name", "Variable3")
	v.SetDefault("variables.node3_nodeid", "ns=2;s=Var3")
	v.SetDefault("variables.node3_initial_value", 0.0)

	v.SetDefault("mqtt_broker.enabled", false)
	v.SetDefault("mqtt_broker.host", "localhost")
	v.SetDefault("mqtt_broker.port", 1883)
	v.SetDefault("mqtt_broker.client_id", "")
	v.SetDefault("mqtt_broker.username", "")
	v.SetDefault("mqtt_broker.password", "")
	v.SetDefault("mqtt_broker.clean_session", true)
	v.SetDefault("mqtt_broker.qos", 0)
	v.SetDefault("mqtt_broker.keepalive", 60)
	v.SetDefault("mqtt_broker.connect_timeout", 10)
	v.SetDefault("mqtt_broker.connect_retries", 3)

	v.SetDefault("publisher.topic", "my/test/topic")
	v.SetDefault("publisher.format", "json")
	v.SetDefault("publisher.retain", false)
	v.SetDefault("publisher.publish_timeout", 5)

	v.SetDefault("subscriber.topic", "my/test/topic")
	v.SetDefault("subscriber.format", "json")

	v.SetDefault("client.adapter", "modbus")
	v.SetDefault("client.client_type", "tcp")
	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", 5020)
	v.SetDefault("client.unit_id", 1)
	v.SetDefault("client.endpoint", "")
	v.SetDefault("client.poll_interval", 5)
	v.SetDefault("client.timeout", 3)
	v.SetDefault("client.connect_retries", 3)
	v.SetDefault("client.read_only", false)
	v.SetDefault("client.once", false)

	serial := modbus.DefaultSerialConfig()
	v.SetDefault("client_serial.port", serial.Port)
	v.SetDefault("client_serial.baudrate", serial.BaudRate)
	v.SetDefault("client_serial.databits", serial.DataBits)
	v.SetDefault("client_serial.parity", serial.Parity)
	v.SetDefault("client_serial.stopbits", serial.StopBits)

	v.SetDefault("client_data.coils_start_address", 0)
	v.SetDefault("client_data.coils_count", 10)
	v.SetDefault("client_data.discretes_start_address", 0)
	v.SetDefault("client_data.discretes_count", 10)
	v.SetDefault("client_data.holding_registers_start_address", 0)
	v.SetDefault("client_data.holding_registers_count", 5)
	v.SetDefault("client_data.input_registers_start_address", 0)
	v.SetDefault("client_data.input_registers_count", 5)

	v.SetDefault("snap7_client.db_number", 1)
	v.SetDefault("snap7_client.start", 0)
	v.SetDefault("snap7_client.size", 10)
	v.SetDefault("snap7_client.increment", true)

	v.SetDefault("client_variables.node1_nodeid", "ns=2;s=Var1")
	v.SetDefault("client_variables.node2_nodeid", "ns=2;s=Var2")
	v.SetDefault("client_variables.node3_nodeid", "ns=2;s=Var3")
	v.SetDefault("client_variables.tags", []string{"level", "temperature", "alarm"})

	v.SetDefault("alarm_clear.enabled", false)
	v.SetDefault("alarm_clear.target", "")
	v.SetDefault("alarm_clear.group", "")
	v.SetDefault("alarm_clear.index", 0)
}

// Load liest die Config für role. path darf leer sein (nur Defaults und
// Umgebung); .ini Dateien laufen über gopkg.in/ini.v1, alles andere über viper.
func Load(path string, role Role, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
		for _, section := range requiredSections[role] {
			if !v.InConfig(section) {
				return nil, &types.ConfigError{Section: section}
			}
		}
		for alias, key := range aliases {
			if v.InConfig(alias) && !v.InConfig(key) {
				v.Set(key, v.Get(alias))
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &types.ConfigError{Section: string(role), Err: fmt.Errorf("failed to unmarshal config: %w", err)}
	}

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".ini") {
		sections, err := readINI(path)
		if err != nil {
			return err
		}
		if err := v.MergeConfigMap(sections); err != nil {
			return fmt.Errorf("failed to merge %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// readINI liefert {section: {key: value}}; Werte bleiben Strings, viper
// konvertiert sie beim Unmarshal.
func readINI(path string) (map[string]any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	out := make(map[string]any)
	for _, section := range file.Sections() {
		keys := section.KeysHash()
		if strings.EqualFold(section.Name(), ini.DefaultSection) && len(keys) == 0 {
			continue
		}
		m := make(map[string]any, len(keys))
		for k, val := range keys {
			m[k] = val
		}
		out[section.Name()] = m
	}
	return out, nil
}

// Validate prüft die Schlüssel, die role tatsächlich verwendet.
func (c *Config) Validate(role Role) error {
	var errs []error

	switch role {
	case RoleSimulator:
		errs = append(errs,
			positiveSeconds("simulation", "server_loop_time", c.Simulation.ServerLoopTime),
			c.TankConfig().Thresholds().Validate(),
			oneOf("publisher", "format", c.Publisher.Format, "json", "sparkplug"),
		)
		if c.Server.Enabled {
			errs = append(errs, port("server", c.Server.Port), byteRange("server", "unit_id", c.Server.UnitID))
		}
		if c.HTTP.Enabled {
			errs = append(errs, port("http", c.HTTP.Port))
		}
		if c.GRPC.Enabled {
			errs = append(errs, port("grpc", c.GRPC.Port))
		}
		if c.Broker.Enabled {
			errs = append(errs, port("mqtt_broker", c.Broker.Port), qos(c.Broker.QoS))
		}

	case RolePoller:
		errs = append(errs,
			positiveSeconds("client", "poll_interval", c.Client.PollInterval),
			positiveSeconds("client", "timeout", c.Client.Timeout),
			oneOf("client", "adapter", c.Client.Adapter, "modbus", "opcua", "http", "s7"),
		)
		if strings.EqualFold(c.Client.Adapter, "s7") {
			errs = append(errs, c.S7Client.validate())
		}
		if c.Client.Adapter == "modbus" {
			errs = append(errs,
				oneOf("client", "client_type", c.Client.ClientType, "tcp", "serial"),
				byteRange("client", "unit_id", c.Client.UnitID),
			)
			if c.Client.ClientType != "serial" {
				errs = append(errs, port("client", c.Client.Port))
			}
		}

	case RoleSubscriber:
		errs = append(errs,
			port("mqtt_broker", c.Broker.Port),
			qos(c.Broker.QoS),
			oneOf("subscriber", "format", c.Subscriber.Format, "json", "sparkplug"),
		)
	}

	return errors.Join(errs...)
}

func (s S7ClientConfig) validate() error {
	switch {
	case s.DBNumber < 1:
		return &types.ConfigError{Section: "snap7_client", Key: "db_number", Err: fmt.Errorf("must be >= 1, got %d", s.DBNumber)}
	case s.Start < 0 || s.Size < 1 || s.Start+s.Size > 65535:
		return &types.ConfigError{Section: "snap7_client", Key: "size", Err: fmt.Errorf("area %d+%d outside 0..65535", s.Start, s.Size)}
	}
	return nil
}

func positiveSeconds(section, key string, v int) error {
	if v < 1 {
		return &types.ConfigError{Section: section, Key: key, Err: fmt.Errorf("must be an integer >= 1 (seconds), got %d", v)}
	}
	return nil
}

func port(section string, v int) error {
	if v < 1 || v > 65535 {
		return &types.ConfigError{Section: section, Key: "port", Err: fmt.Errorf("must be 1..65535, got %d", v)}
	}
	return nil
}

func byteRange(section, key string, v int) error {
	if v < 0 || v > 255 {
		return &types.ConfigError{Section: section, Key: key, Err: fmt.Errorf("must be 0..255, got %d", v)}
	}
	return nil
}

func qos(v int) error {
	if v < 0 || v > 2 {
		return &types.ConfigError{Section: "mqtt_broker", Key: "qos", Err: fmt.Errorf("must be 0, 1 or 2, got %d", v)}
	}
	return nil
}

func oneOf(section, key, v string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return nil
		}
	}
	return &types.ConfigError{Section: section, Key: key, Err: fmt.Errorf("must be one of %v, got %q", allowed, v)}
}

