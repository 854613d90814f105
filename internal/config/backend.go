package config

// ConfigBackend abstracts persisted config storage. The file backend is the
// only production implementation; tests substitute an in-memory map.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	Delete(key string) error
}
