package config

// ConfigBackend is the persistent store behind `curator config set`:
// UserDefaults on macOS, a JSON file elsewhere. Lists, floats, bools and
// durations travel as strings and are parsed by the key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
