// Package mqtt publishes tag snapshots to a broker and subscribes to topics.
package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// ClientOptions entspricht der [mqtt_broker] Sektion
type ClientOptions struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keepalive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Host:           "localhost",
		Port:           1883,
		CleanSession:   true,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

func (o ClientOptions) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)
}

func (o ClientOptions) Validate() error {
	if o.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", o.QoS)
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port must be 1..65535, got %d", o.Port)
	}
	return nil
}

func (o ClientOptions) pahoOptions(prefix string) *paho.ClientOptions {
	clientID := o.ClientID
	if clientID == "" {
		clientID = prefix + "-" + uuid.NewString()[:8]
	}

	p := paho.NewClientOptions().
		AddBroker(o.Broker()).
		SetClientID(clientID).
		SetKeepAlive(o.KeepAlive).
		SetCleanSession(o.CleanSession).
		SetConnectTimeout(o.ConnectTimeout).
		SetAutoReconnect(true)
	if o.Username != "" {
		p.SetUsername(o.Username)
	}
	if o.Password != "" {
		p.SetPassword(o.Password)
	}
	return p
}

// connect waits for the connect token, bounded by ctx and ConnectTimeout.
func connect(ctx context.Context, client paho.Client, opts ClientOptions) error {
	tok := client.Connect()
	if err := waitToken(ctx, tok, opts.ConnectTimeout); err != nil {
		return &transport.ConnectionError{Adapter: "mqtt", Endpoint: opts.Broker(), Err: err}
	}
	return nil
}

func waitToken(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return fmt.Errorf("timeout after %s", timeout)
	}
}
