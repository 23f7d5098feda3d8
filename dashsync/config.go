package dashsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const DefaultApiUrl = "https://pokepal-admin.azurewebsites.net/api"

// ClientSettings is the on disk configuration. Every field is optional,
// zero values fall back to the built in defaults.
type ClientSettings struct {
	ApiUrl string `toml:"api_url"`
	ApiKey string `toml:"api_key"`

	HttpTimeoutSeconds      int `toml:"http_timeout_seconds"`
	NegotiateTimeoutSeconds int `toml:"negotiate_timeout_seconds"`
	ReconnectTimeoutSeconds int `toml:"reconnect_timeout_seconds"`
	PingTimeoutSeconds      int `toml:"ping_timeout_seconds"`
}

// LoadClientSettings reads a toml settings file. A missing file is not
// an error, it yields the defaults.
func LoadClientSettings(path string) (*ClientSettings, error) {
	settings := &ClientSettings{
		ApiUrl: DefaultApiUrl,
	}
	settingsBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(settingsBytes, settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if settings.ApiUrl == "" {
		settings.ApiUrl = DefaultApiUrl
	}
	return settings, nil
}

func (self *ClientSettings) AdminApiSettings() *AdminApiSettings {
	settings := DefaultAdminApiSettings()
	if 0 < self.HttpTimeoutSeconds {
		settings.HttpTimeout = time.Duration(self.HttpTimeoutSeconds) * time.Second
	}
	if 0 < self.NegotiateTimeoutSeconds {
		settings.NegotiateTimeout = time.Duration(self.NegotiateTimeoutSeconds) * time.Second
	}
	return settings
}

func (self *ClientSettings) ChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	if 0 < self.ReconnectTimeoutSeconds {
		settings.ReconnectTimeout = time.Duration(self.ReconnectTimeoutSeconds) * time.Second
	}
	if 0 < self.PingTimeoutSeconds {
		settings.PingTimeout = time.Duration(self.PingTimeoutSeconds) * time.Second
	}
	return settings
}
