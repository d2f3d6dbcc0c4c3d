package opcua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

const DefaultEndpoint = "opc.tcp://127.0.0.1:4840"

type Config struct {
	Endpoint       string        `mapstructure:"endpoint"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// uaClient is the part of *opcua.Client the adapter uses.
type uaClient interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
}

// Adapter polls OPC UA variables. Each group target is a node address.
type Adapter struct {
	cfg    Config
	client uaClient
	logger *zap.Logger
}

func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Adapter{cfg: cfg, logger: logger}
}

func (a *Adapter) Name() string {
	return "opcua"
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.client == nil {
		c, err := opcua.NewClient(a.cfg.Endpoint,
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.SecurityPolicy(ua.SecurityPolicyURINone),
			opcua.RequestTimeout(a.cfg.RequestTimeout),
			opcua.AutoReconnect(true),
		)
		if err != nil {
			return &transport.ConnectionError{Adapter: a.Name(), Endpoint: a.cfg.Endpoint, Err: err}
		}
		a.client = c
	}

	if err := a.client.Connect(ctx); err != nil {
		return &transport.ConnectionError{Adapter: a.Name(), Endpoint: a.cfg.Endpoint, Err: err}
	}

	a.logger.Info("OPC UA client connected", zap.String("endpoint", a.cfg.Endpoint))
	return nil
}

func (a *Adapter) Disconnect() error {
	if a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.client.Close(ctx); err != nil {
		a.logger.Debug("OPC UA close failed", zap.Error(err))
	}
	a.logger.Info("OPC UA client disconnected")
	return nil
}

func (a *Adapter) ReadGroup(ctx context.Context, group transport.Group) ([]types.Value, error) {
	if a.client == nil {
		return nil, &transport.TransportError{Op: "read", Target: group.String(), Err: errors.New("not connected")}
	}

	nodes := make([]*ua.ReadValueID, len(group.Targets))
	for i, target := range group.Targets {
		addr, err := ParseNodeAddress(target.Address)
		if err != nil {
			return nil, err
		}
		nodes[i] = &ua.ReadValueID{NodeID: addr.NodeID(), AttributeID: ua.AttributeIDValue}
	}

	resp, err := a.client.Read(ctx, &ua.ReadRequest{
		MaxAge:             0,
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return nil, wrapServiceError("read", group.String(), err)
	}
	if len(resp.Results) != len(nodes) {
		return nil, &transport.ProtocolError{
			Op:     "read",
			Target: group.String(),
			Detail: fmt.Sprintf("expected %d results, got %d", len(nodes), len(resp.Results)),
		}
	}

	values := make([]types.Value, len(resp.Results))
	for i, dv := range resp.Results {
		target := group.Targets[i]
		if dv.Status != ua.StatusOK {
			return nil, &transport.ProtocolError{Op: "read", Target: target.Address, Code: uint32(dv.Status), Detail: dv.Status.Error()}
		}
		if dv.Value == nil {
			return nil, &transport.ProtocolError{Op: "read", Target: target.Address, Detail: "empty value"}
		}
		value, err := types.ValueFrom(dv.Value.Value())
		if err != nil {
			return nil, &transport.ProtocolError{Op: "read", Target: target.Address, Detail: err.Error()}
		}
		if target.Kind != "" {
			value = value.Coerce(target.Kind)
		}
		values[i] = value
	}
	return values, nil
}

// WriteValue schreibt bool für binäre Ziele, sonst float64
func (a *Adapter) WriteValue(ctx context.Context, target transport.Target, value types.Value) error {
	if a.client == nil {
		return &transport.TransportError{Op: "write", Target: target.Address, Err: errors.New("not connected")}
	}

	addr, err := ParseNodeAddress(target.Address)
	if err != nil {
		return err
	}

	var raw any = value.Float()
	if target.Kind == types.KindBinary || (target.Kind == "" && value.Kind == types.KindBinary) {
		raw = value.Coerce(types.KindBinary).Binary
	}
	variant, err := ua.NewVariant(raw)
	if err != nil {
		return &transport.ProtocolError{Op: "write", Target: target.Address, Detail: err.Error()}
	}

	resp, err := a.client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      addr.NodeID(),
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return wrapServiceError("write", target.Address, err)
	}
	if len(resp.Results) == 0 {
		return &transport.ProtocolError{Op: "write", Target: target.Address, Detail: "empty write response"}
	}
	if status := resp.Results[0]; status != ua.StatusOK {
		return &transport.ProtocolError{Op: "write", Target: target.Address, Code: uint32(status), Detail: status.Error()}
	}
	return nil
}

func wrapServiceError(op, target string, err error) error {
	var status ua.StatusCode
	if errors.As(err, &status) && status == ua.StatusBadTimeout {
		return transport.TimeoutError(op, target, err)
	}
	return transport.Wrap(op, target, err)
}
