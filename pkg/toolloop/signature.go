package toolloop

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

var sortKeys = &pretty.Options{SortKeys: true}

// Canonicalize returns the signature of a tool call: the tool name followed
// by its arguments re-serialized with sorted object keys and no whitespace,
// so that key order and formatting do not affect equality.
//
// Arguments that are not valid JSON are compared verbatim; ok is false in
// that case. Blank arguments are treated as an empty object.
func Canonicalize(name, argsJSON string) (signature string, ok bool) {
	args := strings.TrimSpace(argsJSON)
	if args == "" {
		return name + ":{}", true
	}
	if !gjson.Valid(args) {
		slog.Debug("tool arguments are not valid JSON, comparing raw text", "tool", name)
		return name + ":" + argsJSON, false
	}
	canonical := pretty.Ugly(pretty.PrettyOptions([]byte(args), sortKeys))
	return name + ":" + string(canonical), true
}
