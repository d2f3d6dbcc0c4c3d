// Package httpclient polls the simulator's REST API. Targets are tag names
// ("level"), BACnet objects ("bacnet/binaryValue:3") or S7 addresses
// ("s7/DB1.DBB1"). A group in space "db" reads a byte range of the data block.
package httpclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"go.uber.org/zap"
)

const (
	bacnetPrefix = "bacnet/"
	s7Prefix     = "s7/"
)

// SpaceDB: Gruppe liest Start/Count Bytes aus dem S7-Datenbaustein
const SpaceDB = "db"

// maxBody begrenzt gelesene Antworten
const maxBody = 1 << 20

type Adapter struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewAdapter(baseURL string, timeout time.Duration, logger *zap.Logger) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (a *Adapter) Name() string {
	return "http"
}

// Connect checks /health. HTTP has no session, so this only proves the
// server is reachable.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.do(ctx, http.MethodGet, "/health", nil); err != nil {
		return &transport.ConnectionError{Adapter: a.Name(), Endpoint: a.baseURL, Err: err}
	}
	a.logger.Info("HTTP client connected", zap.String("base_url", a.baseURL))
	return nil
}

func (a *Adapter) Disconnect() error {
	a.client.CloseIdleConnections()
	return nil
}

type valueBody struct {
	Kind         string       `json:"kind"`
	Value        *types.Value `json:"value"`
	PresentValue *types.Value `json:"present_value"`
}

type areaBody struct {
	Start int    `json:"start"`
	Size  int    `json:"size"`
	Data  string `json:"data"`
}

func (a *Adapter) ReadGroup(ctx context.Context, group transport.Group) ([]types.Value, error) {
	if group.Space == SpaceDB {
		return a.readArea(ctx, group)
	}

	values := make([]types.Value, len(group.Targets))
	for i, target := range group.Targets {
		path, err := resourcePath(target.Address)
		if err != nil {
			return nil, err
		}
		data, err := a.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var body valueBody
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, transport.Wrap("read", target.Address, fmt.Errorf("decode response: %w", err))
		}
		v := body.Value
		if v == nil {
			v = body.PresentValue
		}
		if v == nil {
			return nil, &transport.ProtocolError{Op: "read", Target: target.Address, Detail: "response carries no value"}
		}
		kind := target.Kind
		if kind == "" && body.Kind != "" {
			// sonst gilt, was der Server meldet
			if kind, err = types.ParseKind(body.Kind); err != nil {
				return nil, transport.Wrap("read", target.Address, err)
			}
		}
		if kind != "" {
			*v = v.Coerce(kind)
		}
		values[i] = *v
	}
	return values, nil
}

// readArea liefert ein Analog-Value pro Byte
func (a *Adapter) readArea(ctx context.Context, group transport.Group) ([]types.Value, error) {
	path := fmt.Sprintf("/api/v1/s7/db?start=%d&size=%d", group.Start, group.Count)
	data, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var body areaBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, transport.Wrap("read", group.String(), fmt.Errorf("decode response: %w", err))
	}
	raw, err := hex.DecodeString(body.Data)
	if err != nil {
		return nil, transport.Wrap("read", group.String(), fmt.Errorf("decode data: %w", err))
	}
	if len(raw) != int(group.Count) {
		return nil, &transport.ProtocolError{Op: "read", Target: group.String(),
			Detail: fmt.Sprintf("got %d bytes, want %d", len(raw), group.Count)}
	}

	values := make([]types.Value, len(raw))
	for i, b := range raw {
		values[i] = types.AnalogValue(float64(b))
	}
	return values, nil
}

func (a *Adapter) WriteValue(ctx context.Context, target transport.Target, value types.Value) error {
	path, err := resourcePath(target.Address)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]types.Value{"value": value})
	if err != nil {
		return err
	}
	if _, err := a.do(ctx, http.MethodPut, path, body); err != nil {
		return err
	}
	a.logger.Debug("HTTP value written",
		zap.String("target", target.Address),
		zap.Stringer("value", value))
	return nil
}

// resourcePath maps a target address to its REST resource.
func resourcePath(address string) (string, error) {
	if rest, ok := strings.CutPrefix(address, bacnetPrefix); ok {
		id, err := bacnet.ParseObjectID(rest)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("/api/v1/bacnet/objects/%s/%d", id.Type, id.Instance), nil
	}
	if rest, ok := strings.CutPrefix(address, s7Prefix); ok {
		addr, err := s7.ParseAddress(rest)
		if err != nil {
			return "", err
		}
		return "/api/v1/s7/db/" + addr.String(), nil
	}
	if address == "" || strings.Contains(address, "/") {
		return "", &types.ParseError{Input: address, Reason: "expected a tag name, bacnet/<type>:<instance> or s7/<address>"}
	}
	return "/api/v1/tags/" + url.PathEscape(address), nil
}

// do sends one request. Status >= 400 becomes a ProtocolError carrying the
// API error message.
func (a *Adapter) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	op := "read"
	if method != http.MethodGet {
		op = "write"
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transport.Wrap(op, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, transport.Wrap(op, path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		detail := http.StatusText(resp.StatusCode)
		var apiErr types.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			detail = apiErr.Error.Message
		}
		return nil, &transport.ProtocolError{
			Op:     op,
			Target: path,
			Code:   uint32(resp.StatusCode),
			Detail: strconv.Itoa(resp.StatusCode) + " " + detail,
		}
	}
	return data, nil
}
