package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/pumpctl/internal/ports"
	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS            byte
	RetainOutcome  bool
	CommandTimeout time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.PumpService
	cfg Config
	log zerolog.Logger

	client mqtt.Client
	newID  func() string
}

func New(svc ports.PumpService, cfg Config, log zerolog.Logger) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "pumpctl/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pumpctl-" + cfg.DeviceID
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	return &Controller{
		svc:   svc,
		cfg:   cfg,
		log:   log.With().Str("controller", "mqtt").Logger(),
		newID: uuid.NewString,
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
			return
		}
		c.log.Info().Str("topic", topic).Msg("subscribed")
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	c.client.Disconnect(250)
	return ctx.Err()
}

// ---- DTOs ----

type outcomeDTO struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	Op         string `json:"op"`
	Relay      int    `json:"relay"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}

// Command payload formats:
//
//	set/on, set/off: {"value": <relay>}
//	set/timer:       {"relay": r, "duration_ms": d, "interval_ms": i}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

type timerReq struct {
	Relay      *int   `json:"relay"`
	DurationMs *int64 `json:"duration_ms"`
	IntervalMs *int64 `json:"interval_ms"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<command>
	t := msg.Topic()
	prefix := strings.TrimRight(c.cfg.BaseTopic, "/") + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	command := strings.TrimPrefix(t, prefix)
	payload := msg.Payload()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()

	var out pump.Outcome
	switch command {
	case "on":
		v, err := decodeValueStrict[int](payload)
		if err != nil {
			c.rejectPayload(command, err)
			return
		}
		out = c.svc.TurnOn(ctx, pump.Relay(v))

	case "off":
		v, err := decodeValueStrict[int](payload)
		if err != nil {
			c.rejectPayload(command, err)
			return
		}
		out = c.svc.TurnOff(ctx, pump.Relay(v))

	case "timer":
		tm, err := decodeTimerStrict(payload)
		if err != nil {
			c.rejectPayload(command, err)
			return
		}
		out = c.svc.SetTimer(ctx, tm)

	default:
		return
	}

	c.publishOutcome(out)
}

func (c *Controller) rejectPayload(command string, err error) {
	c.log.Warn().Err(err).Str("command", command).Msg("invalid command payload")
}

func (c *Controller) publishOutcome(out pump.Outcome) {
	dto := outcomeDTO{
		ID:         c.newID(),
		DeviceID:   c.cfg.DeviceID,
		Op:         out.Op.String(),
		Relay:      int(out.Relay),
		OK:         out.OK(),
		StatusCode: out.StatusCode,
		Message:    out.String(),
	}
	if out.Err != nil {
		dto.Error = out.Err.Error()
		c.log.Warn().Str("id", dto.ID).EmbedObject(out).Msg(dto.Message)
	} else {
		c.log.Info().Str("id", dto.ID).EmbedObject(out).Msg(dto.Message)
	}
	b, err := json.Marshal(dto)
	if err != nil {
		c.log.Error().Err(err).Str("id", dto.ID).Msg("encode outcome")
		return
	}
	topic := c.topic("outcome")
	tok := c.client.Publish(topic, c.cfg.QoS, c.cfg.RetainOutcome, b)

	// Waiting inside the message handler would stall paho's ordered router.
	go func() {
		select {
		case <-tok.Done():
		case <-time.After(c.cfg.CommandTimeout):
			c.log.Error().Str("id", dto.ID).Str("topic", topic).Msg("publish timed out")
			return
		}
		if err := tok.Error(); err != nil {
			c.log.Error().Err(err).Str("id", dto.ID).Str("topic", topic).Msg("publish failed")
		}
	}()
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}

func decodeTimerStrict(b []byte) (pump.Timer, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req timerReq
	if err := dec.Decode(&req); err != nil {
		return pump.Timer{}, err
	}
	if req.Relay == nil || req.DurationMs == nil || req.IntervalMs == nil {
		return pump.Timer{}, errors.New("missing field 'relay', 'duration_ms' or 'interval_ms'")
	}
	if *req.DurationMs < 0 || *req.IntervalMs < 0 {
		return pump.Timer{}, errors.New("durations must not be negative")
	}
	return pump.Timer{
		Relay:    pump.Relay(*req.Relay),
		Duration: time.Duration(*req.DurationMs) * time.Millisecond,
		Interval: time.Duration(*req.IntervalMs) * time.Millisecond,
	}, nil
}
