package cfg

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// Addr is a link time address, written in any base strconv accepts (0x..., 0o..., decimal).
type Addr uintptr

func ParseAddr(value string) (any, error) {
	v, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", value, err)
	}

	return Addr(v), nil
}

type Config struct {
	Debug          bool   `env:"LAZYLOAD_DEBUG"`
	LogDevelopment bool   `env:"LAZYLOAD_LOG_DEVELOPMENT"`
	ServiceName    string `env:"LAZYLOAD_SERVICE_NAME"    envDefault:"lazyload"`
	TraceFaults    bool   `env:"LAZYLOAD_TRACE_FAULTS"`
	TracePath      string `env:"LAZYLOAD_TRACE_PATH"`
	Verify         bool   `env:"LAZYLOAD_VERIFY"          envDefault:"true"`
	Touch          []Addr `env:"LAZYLOAD_TOUCH"`
}

func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Addr(0)): ParseAddr,
		},
	})
}
