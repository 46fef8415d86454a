package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

var durationType = reflect.TypeOf(time.Duration(0))

// StringToByteSize decodes human sizes such as "128KiB" into int64 fields.
// time.Duration fields are left to the duration hook.
func StringToByteSize() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 || t == durationType {
			return data, nil
		}
		return ParseSize(data.(string))
	}
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
	{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
	{"B", 1},
}

// ParseSize converts "131072", "128KiB", "1M" or "2 GiB" into bytes.
// Suffixes are case-insensitive and powers of 1024.
func ParseSize(s string) (int64, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("empty size string")
	}
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(raw, u.suffix) {
			raw = strings.TrimSpace(strings.TrimSuffix(raw, u.suffix))
			mult = u.mult
			break
		}
	}
	if raw == "" {
		return 0, fmt.Errorf("parse size %q: missing number", s)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse size %q: negative not allowed", s)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("parse size %q: overflows int64", s)
	}
	return n * mult, nil
}

// FormatSize renders n using the largest exact IEC unit.
func FormatSize(n int64) string {
	for _, u := range sizeUnits[:3] {
		if n >= u.mult && n%u.mult == 0 {
			return strconv.FormatInt(n/u.mult, 10) + strings.Replace(u.suffix, "I", "i", 1)
		}
	}
	return strconv.FormatInt(n, 10)
}
