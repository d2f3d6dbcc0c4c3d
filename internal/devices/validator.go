package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/opcua"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/device-profile-v1.json
var deviceProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("device-profile-v1.json",
		strings.NewReader(deviceProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("device-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateProfile prüft YAML oder JSON gegen das Schema. YAML ist eine
// Obermenge von JSON, daher reicht ein Decoder für beide Formate.
func (v *Validator) ValidateProfile(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid profile document: %w", err)
	}

	// jsonschema erwartet die Typen von encoding/json
	normalized, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("profile is not representable as JSON: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateProfileDefinition runs the schema check plus the cross-field rules
// the schema cannot express.
func (v *Validator) ValidateProfileDefinition(profile *types.DeviceProfileDefinition) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := v.ValidateProfile(data); err != nil {
		return err
	}
	return validateSemantics(profile)
}

func validateSemantics(profile *types.DeviceProfileDefinition) error {
	seen := make(map[string]bool, len(profile.Tags))

	for _, tag := range profile.Tags {
		if seen[tag.Name] {
			return fmt.Errorf("tag %s defined twice", tag.Name)
		}
		seen[tag.Name] = true

		for _, m := range tag.Modbus {
			bitTable := m.Table == types.RegisterTypeCoil || m.Table == types.RegisterTypeDiscreteInput
			if bitTable && tag.Kind != types.KindBinary {
				return fmt.Errorf("tag %s: analog tag cannot be mapped to %s", tag.Name, m.Table)
			}
		}

		if tag.BACnet != nil {
			objectType, err := bacnet.ParseObjectType(tag.BACnet.ObjectType)
			if err != nil {
				return fmt.Errorf("tag %s: %w", tag.Name, err)
			}
			if objectType.Kind() != tag.Kind {
				return fmt.Errorf("tag %s: %s object for %s tag", tag.Name, objectType, tag.Kind)
			}
		}

		if tag.S7 != nil && tag.Kind == types.KindBinary && tag.S7.DataType != types.DataTypeBool {
			return fmt.Errorf("tag %s: binary tag needs s7 data_type bool", tag.Name)
		}

		if tag.OPCUA != nil {
			if _, err := opcua.ParseNodeAddress(tag.OPCUA.NodeID); err != nil {
				return fmt.Errorf("tag %s: %w", tag.Name, err)
			}
		}
	}

	return nil
}
