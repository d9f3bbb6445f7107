package modbusctrl

import (
	"encoding/binary"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/pumpctl/internal/pump"
	"github.com/Agrid-Dev/pumpctl/internal/testutil"
)

func findFreeTCPAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	a := l.Addr().String()
	_ = l.Close()
	return a
}

const startupDelay = 50 * time.Millisecond

func encodeTimer(t pump.Timer) []byte {
	b := make([]byte, timerRegisters*2)
	binary.BigEndian.PutUint16(b[0:2], uint16(t.Relay))
	binary.BigEndian.PutUint32(b[2:6], uint32(t.Duration.Milliseconds()))
	binary.BigEndian.PutUint32(b[6:10], uint32(t.Interval.Milliseconds()))
	return b
}

func startController(t *testing.T, svc *testutil.FakePumpService) modbus.Client {
	t.Helper()
	addr := findFreeTCPAddr(t)

	ctrl, err := New(svc, Config{
		DeviceID:   "dev",
		Addr:       addr,
		UnitID:     1,
		RelayCount: 3,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := t.Context()
	go func() {
		_ = ctrl.Run(ctx)
	}()

	time.Sleep(startupDelay)

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	if err := handler.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = handler.Close() })
	return modbus.NewClient(handler)
}

func TestNewValidation(t *testing.T) {
	svc := testutil.NewFakePumpService()

	if _, err := New(svc, Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error when UnitID missing")
	}
	c, err := New(svc, Config{UnitID: 1}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg.Addr != "127.0.0.1:1502" || c.cfg.RelayCount != 3 {
		t.Fatalf("unexpected defaults %+v", c.cfg)
	}
}

func TestTimerRegisterRoundTrip(t *testing.T) {
	want := pump.Timer{Relay: 2, Duration: 90 * time.Second, Interval: 2 * time.Hour}
	if got := decodeTimer(encodeTimer(want)); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestModbusCoils(t *testing.T) {
	svc := testutil.NewFakePumpService()
	client := startController(t, svc)

	if _, err := client.WriteSingleCoil(1, 0xFF00); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	on, _, _ := svc.Calls()
	if len(on) != 1 || on[0] != 2 {
		t.Fatalf("expected TurnOn(2), got %v", on)
	}

	res, err := client.ReadCoils(0, 3)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if len(res) != 1 || res[0] != 0x02 {
		t.Fatalf("expected coil bitmap 0x02, got %v", res)
	}

	if _, err := client.WriteSingleCoil(1, 0x0000); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	_, off, _ := svc.Calls()
	if len(off) != 1 || off[0] != 2 {
		t.Fatalf("expected TurnOff(2), got %v", off)
	}

	if _, err := client.WriteSingleCoil(7, 0xFF00); err == nil {
		t.Fatal("expected illegal address for coil 7")
	}

	regs, err := client.ReadInputRegisters(0, 2)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if binary.BigEndian.Uint16(regs[0:2]) != http.StatusOK || binary.BigEndian.Uint16(regs[2:4]) != 1 {
		t.Fatalf("expected last status 200 ok, got %v", regs)
	}
}

func TestModbusTimer(t *testing.T) {
	svc := testutil.NewFakePumpService()
	client := startController(t, svc)

	want := pump.Timer{Relay: 2, Duration: 5 * time.Second, Interval: time.Second}
	if _, err := client.WriteMultipleRegisters(0, timerRegisters, encodeTimer(want)); err != nil {
		t.Fatalf("write registers: %v", err)
	}
	_, _, timers := svc.Calls()
	if len(timers) != 1 || timers[0] != want {
		t.Fatalf("expected SetTimer(%+v), got %v", want, timers)
	}

	if _, err := client.WriteMultipleRegisters(1, 2, []byte{0, 1, 0, 2}); err == nil {
		t.Fatal("expected illegal address for partial timer write")
	}
}

func TestModbusDeviceFailure(t *testing.T) {
	svc := testutil.NewFakePumpService()
	svc.StatusCode = http.StatusServiceUnavailable
	client := startController(t, svc)

	if _, err := client.WriteSingleCoil(0, 0xFF00); err == nil {
		t.Fatal("expected exception when the device rejects the command")
	}

	res, err := client.ReadCoils(0, 1)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if res[0] != 0 {
		t.Fatalf("expected coil to stay off after failure, got %v", res)
	}

	regs, err := client.ReadInputRegisters(0, 2)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if binary.BigEndian.Uint16(regs[0:2]) != http.StatusServiceUnavailable || binary.BigEndian.Uint16(regs[2:4]) != 0 {
		t.Fatalf("expected last status 503 failed, got %v", regs)
	}
}
