package script

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"trad-core/pkg/types"
)

var (
	paramLineRe = regexp.MustCompile(`^\s*//\s*@param\s+(\S+)\s+(\S+)\s+(\S+)(?:\s+(.*))?$`)
	addressRe   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	intervalRe  = regexp.MustCompile(`^(\d+[smhd]|once)$`)
	enumRe      = regexp.MustCompile(`^enum\[([^\]]+)\]$`)
)

// ExtractParams scans source comments for @param directives:
//
//	// @param name type default description…
//
// Each default is validated against its declared type; a bad default refuses
// the whole program.
func ExtractParams(source string) ([]types.ParamDecl, error) {
	var decls []types.ParamDecl
	seen := make(map[string]bool)
	for _, line := range strings.Split(source, "\n") {
		m := paramLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		decl := types.ParamDecl{Name: m[1], Type: m[2], Default: m[3], Description: strings.TrimSpace(m[4])}
		if seen[decl.Name] {
			return nil, types.NewTradeError(types.KindParameterOutOfRange, "duplicate @param %q", decl.Name)
		}
		seen[decl.Name] = true
		if _, err := coerce(decl.Type, decl.Name, decl.Default); err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return decls, nil
}

// CoerceParams resolves the final parameter values: user overrides where
// present, declared defaults otherwise, each coerced per its type tag.
// Any invalid value refuses the load; the run must not start.
func CoerceParams(schema []types.ParamDecl, overrides map[string]string) (map[string]Value, error) {
	out := make(map[string]Value, len(schema))
	for _, decl := range schema {
		raw := decl.Default
		if v, ok := overrides[decl.Name]; ok && v != "" {
			raw = v
		}
		v, err := coerce(decl.Type, decl.Name, raw)
		if err != nil {
			return nil, err
		}
		out[decl.Name] = v
	}
	return out, nil
}

func coerce(typeTag, name, raw string) (Value, error) {
	bad := func(why string) error {
		return types.NewTradeError(types.KindParameterOutOfRange, "param %q: %s value %q", name, why, raw)
	}

	if m := enumRe.FindStringSubmatch(typeTag); m != nil {
		for _, opt := range strings.Split(m[1], "|") {
			if raw == opt {
				return raw, nil
			}
		}
		return nil, bad("not an allowed option for " + typeTag)
	}

	switch typeTag {
	case "number", "eth", "usd":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, bad("not a finite number")
		}
		return f, nil
	case "int":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, bad("not an integer")
		}
		return float64(n), nil
	case "bps":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 || n > 5000 {
			return nil, bad("not in [0, 5000] bps")
		}
		return float64(n), nil
	case "pct":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || f < 0 || f > 100 {
			return nil, bad("not in [0, 100] percent")
		}
		return f, nil
	case "boolean":
		switch raw {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, bad("not a boolean")
	case "string":
		return raw, nil
	case "address", "pair", "token":
		if raw != "" && !addressRe.MatchString(raw) {
			return nil, bad("not a 0x-prefixed 40-hex-digit address")
		}
		return raw, nil
	case "interval":
		if !intervalRe.MatchString(raw) {
			return nil, bad("not of the form {N}s|{N}m|{N}h|{N}d or once")
		}
		return raw, nil
	}
	return nil, types.NewTradeError(types.KindParameterOutOfRange, "param %q: unknown type tag %q", name, typeTag)
}
