//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.curator.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "curator-data"
	}
	return filepath.Join(home, "Library", "Application Support", "curator")
}

// darwinBackend stores settings in UserDefaults through the defaults CLI.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// runDefaults runs `defaults <args>`. missing reports the exit status 1 the
// CLI uses for an absent domain or key.
func runDefaults(args ...string) (out string, missing bool, err error) {
	raw, err := exec.Command("defaults", args...).CombinedOutput()
	out = strings.TrimSpace(string(raw))
	if err == nil {
		return out, false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return out, true, nil
	}
	return out, false, fmt.Errorf("defaults %s: %w: %s", args[0], err, out)
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	out, missing, err := runDefaults("read", b.domain, key)
	if err != nil || missing {
		return "", false, err
	}
	return out, true, nil
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) SetString(key, val string) error {
	_, _, err := runDefaults("write", b.domain, key, "-string", val)
	return err
}

func (b *darwinBackend) SetInt(key string, val int) error {
	_, _, err := runDefaults("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

func (b *darwinBackend) Delete(key string) error {
	_, _, err := runDefaults("delete", b.domain, key)
	return err
}
