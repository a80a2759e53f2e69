package strategy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var registry = map[string]func() Strategy{
	"ma_cross":  func() Strategy { return NewMACrossStrategy(10, 30) },
	"rsi":       func() Strategy { return NewRSIStrategy(14, 30, 70) },
	"bollinger": func() Strategy { return NewBollingerStrategy(20, 2) },
}

// New builds the named strategy and applies params.
func New(name string, params map[string]any) (Strategy, error) {
	build, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	s := build()
	if err := s.Initialize(params); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return s, nil
}

// Names lists the compiled-in strategies.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// paramFloat reads a numeric parameter. YAML decodes numbers as int or float64.
func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("param %s: unsupported type %T", key, v)
}

func paramInt(params map[string]any, key string, def int) (int, error) {
	f, err := paramFloat(params, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("param %s: %v is not an integer", key, f)
	}
	return int(f), nil
}
