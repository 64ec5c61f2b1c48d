package device

import "github.com/matheus3301/chatsync/internal/config"

const DefaultName = "main"

// Resolve determines the active device name using precedence:
// 1. flagOverride (--device flag)
// 2. config.toml default_device
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultDevice != "" {
		return cfg.DefaultDevice
	}
	return DefaultName
}
