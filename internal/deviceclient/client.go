package deviceclient

import (
	"context"
	"errors"
)

// ErrUnexpectedState is returned when a remote call succeeds at the
// transport level but the appliance is not in the state the caller expects.
var ErrUnexpectedState = errors.New("device in unexpected state")

// SoftwareImage is one entry of the appliance's software inventory.
type SoftwareImage struct {
	Version    string `json:"version"`
	Downloaded bool   `json:"downloaded"`
	Installed  bool   `json:"installed"`
	Current    bool   `json:"current"`
}

// SoftwareInventory is the appliance's view of available software images.
type SoftwareInventory struct {
	Images []SoftwareImage `json:"images"`
}

// Image returns the inventory entry for version, if present.
func (inv *SoftwareInventory) Image(version string) (SoftwareImage, bool) {
	for _, img := range inv.Images {
		if img.Version == version {
			return img, true
		}
	}
	return SoftwareImage{}, false
}

// Client issues remote operations against one firewall appliance. The stage
// executors treat every returned error as one failed attempt; implementations
// must not panic on transport failures.
type Client interface {
	CheckSoftwareInventory(ctx context.Context) (*SoftwareInventory, error)
	DownloadVersion(ctx context.Context, version string) error
	InstallVersion(ctx context.Context, version string) error
	Reboot(ctx context.Context) error
	// CleanupOldImages frees disk by deleting stale software images; an
	// already staged copy of keepVersion is left in place.
	CleanupOldImages(ctx context.Context, keepVersion string) error
	ExportConfiguration(ctx context.Context) ([]byte, error)
	ExportDeviceState(ctx context.Context) ([]byte, error)
	CurrentSoftwareVersion(ctx context.Context) (string, error)
	MuteMonitoring(ctx context.Context) error
	UnmuteMonitoring(ctx context.Context) error
}

// Factory builds a Client bound to one appliance. The orchestrator calls it
// once per device with the credentials carried by the batch request.
type Factory interface {
	Client(ipAddress, apiKey string) Client
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ipAddress, apiKey string) Client

func (f FactoryFunc) Client(ipAddress, apiKey string) Client {
	return f(ipAddress, apiKey)
}
