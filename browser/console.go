package browser

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
)

// ConsoleMessage is one console call made by the page.
type ConsoleMessage struct {
	// Method is the console method the page called: log, info, warn, error ...
	Method string
	Args   []any
}

func (m ConsoleMessage) String() string {
	return Format(m.Args...)
}

// ConsoleSink receives relayed page console messages.
type ConsoleSink interface {
	Console(msg ConsoleMessage)
}

// SinkFunc adapts a function to a ConsoleSink.
type SinkFunc func(ConsoleMessage)

func (f SinkFunc) Console(msg ConsoleMessage) { f(msg) }

// Undefined is the JavaScript undefined value.
type Undefined struct{}

func (Undefined) String() string { return "undefined" }

// Raw is printed verbatim, e.g. NaN, 1n or an object description.
type Raw string

// ProcessConsole mirrors page console methods onto the process streams, the way
// a JS console would: warnings and errors go to Stderr, everything else to Stdout.
type ProcessConsole struct {
	Stdout io.Writer
	Stderr io.Writer
	mu     sync.Mutex
}

func NewProcessConsole() *ProcessConsole {
	return &ProcessConsole{Stdout: os.Stdout, Stderr: os.Stderr}
}

// errorStreams are the console methods that write to stderr. CDP reports
// console.warn as "warning".
var errorStreams = map[string]bool{
	"warn":    true,
	"warning": true,
	"error":   true,
	"trace":   true,
	"assert":  true,
}

// IsErrorStream reports whether method writes to stderr. Unknown methods fall back to log.
func IsErrorStream(method string) bool {
	return errorStreams[method]
}

func (c *ProcessConsole) Console(msg ConsoleMessage) {
	w := c.Stdout
	if IsErrorStream(msg.Method) {
		w = c.Stderr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(w, msg.String())
}

// Format renders console arguments like a JS console: printf-style substitution
// when the first argument is a string, then remaining arguments space separated.
func Format(args ...any) string {
	if len(args) == 0 {
		return ""
	}
	var parts []string
	rest := args
	if format, ok := args[0].(string); ok && strings.Contains(format, "%") {
		var text string
		text, rest = substitute(format, args[1:])
		parts = append(parts, text)
	} else {
		parts = append(parts, display(args[0]))
		rest = args[1:]
	}
	for _, a := range rest {
		parts = append(parts, display(a))
	}
	return strings.Join(parts, " ")
}

func substitute(format string, args []any) (string, []any) {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			sb.WriteByte(c)
			continue
		}
		verb := format[i+1]
		if verb == '%' {
			sb.WriteByte('%')
			i++
			continue
		}
		if !strings.ContainsRune("sdifoOjc", rune(verb)) {
			sb.WriteByte(c)
			continue
		}
		i++
		if len(args) == 0 {
			sb.WriteByte('%')
			sb.WriteByte(verb)
			continue
		}
		arg := args[0]
		args = args[1:]
		switch verb {
		case 's':
			sb.WriteString(display(arg))
		case 'd', 'i':
			sb.WriteString(integer(arg, verb == 'i'))
		case 'f':
			if f, ok := number(arg); ok {
				sb.WriteString(formatFloat(f))
			} else {
				sb.WriteString("NaN")
			}
		case 'o', 'O', 'j':
			sb.WriteString(inspect(arg))
		case 'c':
			// CSS styling has no terminal equivalent
		}
	}
	return sb.String(), args
}

// display renders a top-level argument: strings unquoted, everything else inspected.
func display(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return inspect(v)
}

func inspect(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case Undefined:
		return v.String()
	case Raw:
		return string(v)
	case float64:
		return formatFloat(v)
	case string:
		return strconv.Quote(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func number(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case Raw:
		f, err := strconv.ParseFloat(strings.TrimSuffix(string(v), "n"), 64)
		return f, err == nil
	}
	return 0, false
}

func integer(v any, truncate bool) string {
	f, ok := number(v)
	if !ok || math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 0) {
		return formatFloat(f)
	}
	if truncate {
		f = math.Trunc(f)
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ResolveArg converts a remote console argument into a Go value: JSON values
// decode to their natural types, everything else to a Raw description.
func ResolveArg(o *runtime.RemoteObject) any {
	switch {
	case o == nil || o.Type == runtime.TypeUndefined:
		return Undefined{}
	case o.Subtype == runtime.SubtypeError && o.Description != "":
		return Raw(o.Description)
	case len(o.Value) > 0:
		var v any
		if err := json.Unmarshal(o.Value, &v); err == nil {
			return v
		}
		return Raw(string(o.Value))
	case o.UnserializableValue != "":
		return Raw(string(o.UnserializableValue))
	case o.Subtype == runtime.SubtypeNull:
		return nil
	case o.Preview != nil:
		return previewValue(o.Preview)
	case o.Description != "":
		return Raw(o.Description)
	}
	return Raw(string(o.Type))
}

func ResolveArgs(objects []*runtime.RemoteObject) []any {
	args := make([]any, 0, len(objects))
	for _, o := range objects {
		args = append(args, ResolveArg(o))
	}
	return args
}

func previewValue(p *runtime.ObjectPreview) any {
	if p.Subtype == runtime.SubtypeArray {
		values := make([]any, 0, len(p.Properties))
		for _, prop := range p.Properties {
			values = append(values, propertyValue(prop))
		}
		return values
	}
	values := make(map[string]any, len(p.Properties))
	for _, prop := range p.Properties {
		values[prop.Name] = propertyValue(prop)
	}
	return values
}

func propertyValue(p *runtime.PropertyPreview) any {
	switch p.Type {
	case runtime.TypeNumber:
		if f, err := strconv.ParseFloat(p.Value, 64); err == nil {
			return f
		}
	case runtime.TypeBoolean:
		return p.Value == "true"
	case runtime.TypeString:
		return p.Value
	case runtime.TypeUndefined:
		return Undefined{}
	}
	if p.Subtype == runtime.SubtypeNull {
		return nil
	}
	return Raw(p.Value)
}
