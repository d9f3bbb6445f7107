package device

import (
	"testing"

	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

func TestNewDevice(t *testing.T) {
	id := "garden"
	c, err := pump.New("192.168.1.100")
	if err != nil {
		t.Fatalf("pump.New: %v", err)
	}
	d := New(id, c)

	if d.ID != id {
		t.Errorf("Expected device ID to be %s, got %s", id, d.ID)
	}
	if d.Client.BaseURL() != "http://192.168.1.100" {
		t.Errorf("Expected base URL http://192.168.1.100, got %s", d.Client.BaseURL())
	}
}
