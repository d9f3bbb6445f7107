package device

import "github.com/Agrid-Dev/pumpctl/internal/pump"

// Device binds an identifier to the client of one irrigation controller.
type Device struct {
	ID     string
	Client *pump.Client
}

func New(id string, c *pump.Client) *Device {
	return &Device{ID: id, Client: c}
}
