package types

// DeviceProfileDefinition describes the simulated device and how each of its
// tags is exposed per protocol.
type DeviceProfileDefinition struct {
	DeviceProfile DeviceProfileInfo `json:"device_profile" yaml:"device_profile"`
	Tags          []TagDefinition   `json:"tags" yaml:"tags"`
}

type DeviceProfileInfo struct {
	ID          string `json:"id" yaml:"id"`
	Vendor      string `json:"vendor" yaml:"vendor"`
	Model       string `json:"model" yaml:"model"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

type TagDefinition struct {
	Name        string          `json:"name" yaml:"name"`
	Kind        Kind            `json:"kind" yaml:"kind"`
	Unit        string          `json:"unit,omitempty" yaml:"unit,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Modbus      []ModbusMapping `json:"modbus,omitempty" yaml:"modbus,omitempty"`
	BACnet      *BACnetMapping  `json:"bacnet,omitempty" yaml:"bacnet,omitempty"`
	S7          *S7Mapping      `json:"s7,omitempty" yaml:"s7,omitempty"`
	OPCUA       *OPCUAMapping   `json:"opcua,omitempty" yaml:"opcua,omitempty"`
}

// Tag returns the runtime tag for this definition.
func (d TagDefinition) Tag() Tag {
	return Tag{Name: d.Name, Kind: d.Kind, Unit: d.Unit}
}

type ModbusMapping struct {
	Table       RegisterType `json:"table" yaml:"table"`
	Address     uint16       `json:"address" yaml:"address"`
	DataType    DataType     `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	ScaleFactor float64      `json:"scale_factor,omitempty" yaml:"scale_factor,omitempty"`
}

// Scale liefert den Skalierungsfaktor (0 -> 1.0)
func (m ModbusMapping) Scale() float64 {
	if m.ScaleFactor == 0 {
		return 1.0
	}
	return m.ScaleFactor
}

type BACnetMapping struct {
	ObjectType string `json:"object_type" yaml:"object_type"`
	Instance   uint32 `json:"instance" yaml:"instance"`
	ObjectName string `json:"object_name,omitempty" yaml:"object_name,omitempty"`
	Units      string `json:"units,omitempty" yaml:"units,omitempty"`
}

type S7Mapping struct {
	Offset   int      `json:"offset" yaml:"offset"`
	DataType DataType `json:"data_type" yaml:"data_type"`
	Bit      int      `json:"bit,omitempty" yaml:"bit,omitempty"`
}

type OPCUAMapping struct {
	NodeID string `json:"node_id" yaml:"node_id"`
}

type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeFloat32 DataType = "float32"
)

// FindTag sucht eine Tag-Definition per Name
func (p *DeviceProfileDefinition) FindTag(name string) (*TagDefinition, bool) {
	for i := range p.Tags {
		if p.Tags[i].Name == name {
			return &p.Tags[i], true
		}
	}
	return nil, false
}
