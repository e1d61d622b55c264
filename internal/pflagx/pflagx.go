// Package pflagx implements extensions to pflag.
package pflagx

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/pflag"
)

// LevelVarP defines a slog level flag on fs.
func LevelVarP(fs *pflag.FlagSet, name, shorthand string, value slog.Level, usage string) *slog.LevelVar {
	level := new(slog.LevelVar)
	def := new(slog.LevelVar)
	def.Set(value)
	fs.TextVarP(level, name, shorthand, def, usage)
	return level
}

// ParseEnv sets flags from environment variables named prefix plus the flag
// name upper-cased with dashes turned into underscores. Unknown variables are
// reported to the flag set's output and skipped.
func ParseEnv(fs *pflag.FlagSet, prefix string, environ []string) error {
	for _, env := range environ {
		k, v, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		s, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		n := strings.Map(func(r rune) rune {
			switch r {
			case '_':
				return '-'
			}
			return unicode.ToLower(r)
		}, s)
		f := fs.Lookup(n)
		if f == nil {
			fmt.Fprintf(fs.Output(), "env %s: unknown flag --%s\n", k, n)
			continue
		}
		if err := fs.Set(n, v); err != nil {
			return fmt.Errorf("env %s: flag --%s: invalid argument: %w", k, n, err)
		}
	}
	return nil
}

// ParseOSEnv is ParseEnv over the process environment.
func ParseOSEnv(fs *pflag.FlagSet, prefix string) error {
	return ParseEnv(fs, prefix, os.Environ())
}

// ByteSize is a byte count flag accepting binary suffixes: 512, 64KiB, 2MiB,
// 1GiB (K, M, G and T are accepted as shorthands).
type ByteSize uint64

var _ pflag.Value = (*ByteSize)(nil)

var byteSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"TiB", 40}, {"GiB", 30}, {"MiB", 20}, {"KiB", 10},
	{"T", 40}, {"G", 30}, {"M", 20}, {"K", 10},
	{"B", 0},
}

func ParseByteSize(s string) (ByteSize, error) {
	str := strings.TrimSpace(s)
	shift := uint(0)
	for _, bs := range byteSuffixes {
		if rest, ok := strings.CutSuffix(str, bs.suffix); ok {
			str, shift = strings.TrimSpace(rest), bs.shift
			break
		}
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("byte size %q overflows", s)
	}
	return ByteSize(n << shift), nil
}

func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) String() string {
	n := uint64(b)
	for _, bs := range byteSuffixes[:4] {
		if n != 0 && n%(1<<bs.shift) == 0 {
			return strconv.FormatUint(n>>bs.shift, 10) + bs.suffix
		}
	}
	return strconv.FormatUint(n, 10)
}

func (b *ByteSize) Type() string {
	return "bytes"
}

// ByteSizeP defines a ByteSize flag on fs.
func ByteSizeP(fs *pflag.FlagSet, name, shorthand string, value ByteSize, usage string) *ByteSize {
	b := new(ByteSize)
	*b = value
	fs.VarP(b, name, shorthand, usage)
	return b
}
