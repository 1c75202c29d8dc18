package workflow

import "fmt"

// ConfigError reports an invalid workflow definition. It is a user error;
// the engine never retries it.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string {
	return e.msg
}

// NewConfigError wraps msg as a non-retryable definition error.
func NewConfigError(msg string) *ConfigError {
	return &ConfigError{msg: msg}
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}
