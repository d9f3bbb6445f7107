package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/pumpctl/internal/ports"
	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

// Register map.
//
//	coils 0..RelayCount-1  relay k+1 (FC1 read last commanded, FC5 write on/off)
//	HR 0..4                timer: relay, duration ms hi/lo, interval ms hi/lo (FC16, all five at once)
//	IR 0                   last observed device status code (0 = no response)
//	IR 1                   1 if the last command succeeded
const (
	timerRegisters = 5

	coilOn  = 0xFF00
	coilOff = 0x0000
)

// Config for the Modbus controller.
type Config struct {
	DeviceID       string
	Addr           string
	UnitID         byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
	RelayCount     int
	CommandTimeout time.Duration
}

type Controller struct {
	svc ports.PumpService
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	coils      []bool
	lastStatus uint16
	lastOK     bool

	serv *mbserver.Server
}

func New(svc ports.PumpService, cfg Config, log zerolog.Logger) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	if cfg.RelayCount <= 0 {
		cfg.RelayCount = 3
	}
	if cfg.RelayCount > 2000 {
		return nil, errors.New("modbus: RelayCount must be at most 2000")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &Controller{
		svc:   svc,
		cfg:   cfg,
		log:   log.With().Str("controller", "modbus").Logger(),
		coils: make([]bool, cfg.RelayCount),
	}, nil
}

// Run starts the Modbus server and registers handlers that forward writes to the
// device immediately. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	// Read Coils (function 1) - last commanded relay states.
	serv.RegisterFunctionHandler(1, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := int(binary.BigEndian.Uint16(data[0:2]))
		qty := int(binary.BigEndian.Uint16(data[2:4]))
		if qty == 0 || qty > 2000 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		if start+qty > c.cfg.RelayCount {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		byteCount := (qty + 7) / 8
		resp := make([]byte, 1+byteCount)
		resp[0] = byte(byteCount)
		for i := 0; i < qty; i++ {
			if c.coils[start+i] {
				resp[1+i/8] |= 1 << (i % 8)
			}
		}
		return resp, &mbserver.Success
	})

	// Read Input Registers (function 4) - outcome of the last command.
	serv.RegisterFunctionHandler(4, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := int(binary.BigEndian.Uint16(data[0:2]))
		qty := int(binary.BigEndian.Uint16(data[2:4]))
		if qty == 0 || qty > 125 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		if start+qty > 2 {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		c.mu.Lock()
		regs := []uint16{c.lastStatus, 0}
		if c.lastOK {
			regs[1] = 1
		}
		c.mu.Unlock()

		resp := make([]byte, 1+qty*2)
		resp[0] = byte(qty * 2)
		for i := 0; i < qty; i++ {
			binary.BigEndian.PutUint16(resp[1+i*2:3+i*2], regs[start+i])
		}
		return resp, &mbserver.Success
	})

	// Write Single Coil (function 5) - relay on/off
	serv.RegisterFunctionHandler(5, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		data := frame.GetData()
		if len(data) < 4 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		addr := int(binary.BigEndian.Uint16(data[0:2]))
		value := binary.BigEndian.Uint16(data[2:4])

		if addr >= c.cfg.RelayCount {
			return []byte{}, &mbserver.IllegalDataAddress
		}

		var on bool
		switch value {
		case coilOff:
			on = false
		case coilOn:
			on = true
		default:
			return []byte{}, &mbserver.IllegalDataValue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		relay := pump.Relay(addr + 1)
		var out pump.Outcome
		if on {
			out = c.svc.TurnOn(cmdCtx, relay)
		} else {
			out = c.svc.TurnOff(cmdCtx, relay)
		}
		if !c.record(out) {
			return []byte{}, &mbserver.SlaveDeviceFailure
		}

		c.mu.Lock()
		c.coils[addr] = on
		c.mu.Unlock()

		// echo request (address + value)
		resp := make([]byte, 4)
		copy(resp, data[0:4])
		return resp, &mbserver.Success
	})

	// Write Multiple Registers (function 16) - timer
	serv.RegisterFunctionHandler(16, func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		d := frame.GetData()
		if len(d) < 5 {
			return []byte{}, &mbserver.IllegalDataValue
		}
		start := binary.BigEndian.Uint16(d[0:2])
		quantity := binary.BigEndian.Uint16(d[2:4])
		byteCount := int(d[4])
		if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
			return []byte{}, &mbserver.IllegalDataValue
		}
		if start != 0 || quantity != timerRegisters {
			return []byte{}, &mbserver.IllegalDataAddress
		}

		cmdCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		out := c.svc.SetTimer(cmdCtx, decodeTimer(d[5:5+byteCount]))
		if !c.record(out) {
			return []byte{}, &mbserver.SlaveDeviceFailure
		}

		resp := make([]byte, 4)
		binary.BigEndian.PutUint16(resp[0:2], start)
		binary.BigEndian.PutUint16(resp[2:4], quantity)
		return resp, &mbserver.Success
	})

	// Now start listening after all handlers are registered.
	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}

	// Block until ctx.Done()
	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// record stores the outcome for IR 0/1 and logs it.
func (c *Controller) record(out pump.Outcome) bool {
	c.mu.Lock()
	c.lastStatus = uint16(out.StatusCode)
	c.lastOK = out.OK()
	c.mu.Unlock()

	if out.OK() {
		c.log.Info().EmbedObject(out).Msg(out.String())
	} else {
		c.log.Warn().EmbedObject(out).Msg(out.String())
	}
	return out.OK()
}

func decodeTimer(regs []byte) pump.Timer {
	u32 := func(i int) uint32 { return binary.BigEndian.Uint32(regs[i*2 : i*2+4]) }
	return pump.Timer{
		Relay:    pump.Relay(binary.BigEndian.Uint16(regs[0:2])),
		Duration: time.Duration(u32(1)) * time.Millisecond,
		Interval: time.Duration(u32(3)) * time.Millisecond,
	}
}
