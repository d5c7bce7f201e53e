package jsonrpc

import (
	"github.com/tidwall/gjson"
)

// Params gives handlers uniform access to positional and named
// arguments.
type Params struct {
	raw gjson.Result
}

// NewParams wraps a raw params value. Empty input yields no arguments.
func NewParams(raw []byte) Params {
	return Params{raw: gjson.ParseBytes(raw)}
}

// Arg returns the argument at index when params is an array, or the
// member called name when it is an object. A missing argument reports
// Exists() == false.
func (p Params) Arg(index int, name string) gjson.Result {
	switch {
	case p.raw.IsArray():
		args := p.raw.Array()
		if index >= 0 && index < len(args) {
			return args[index]
		}
	case p.raw.IsObject():
		return p.raw.Get(gjson.Escape(name))
	}
	return gjson.Result{}
}

// String returns a string argument or def when it is absent or null.
func (p Params) String(index int, name, def string) (string, error) {
	v := p.Arg(index, name)
	switch v.Type {
	case gjson.Null:
		return def, nil
	case gjson.String:
		return v.Str, nil
	}
	return "", Errorf("argument %q must be a string", name)
}

// Bool returns a boolean argument or def when it is absent or null.
func (p Params) Bool(index int, name string, def bool) (bool, error) {
	v := p.Arg(index, name)
	switch v.Type {
	case gjson.Null:
		return def, nil
	case gjson.True, gjson.False:
		return v.Bool(), nil
	}
	return false, Errorf("argument %q must be a boolean", name)
}

// Strings accepts either a single string or a list of strings.
func (p Params) Strings(index int, name string) ([]string, error) {
	return StringList(p.Arg(index, name), name)
}

// StringList converts a string or an array of strings to a slice. A
// missing value yields nil.
func StringList(v gjson.Result, name string) ([]string, error) {
	switch {
	case v.Type == gjson.Null:
		return nil, nil
	case v.Type == gjson.String:
		return []string{v.Str}, nil
	case v.IsArray():
		var out []string
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				return nil, Errorf("argument %q must contain only strings", name)
			}
			out = append(out, item.Str)
		}
		return out, nil
	}
	return nil, Errorf("argument %q must be a string or a list of strings", name)
}

// Raw returns the params exactly as received.
func (p Params) Raw() string {
	return p.raw.Raw
}
