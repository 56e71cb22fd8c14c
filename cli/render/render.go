// Package render provides output rendering for the courier CLI.
//
// Format selection:
//   - table when stdout is a terminal, json otherwise
//   - --format always overrides the default
//   - unknown formats are errors
//
// --no-color only affects table output. The TUI keeps its own styling.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/courier/cli/tui"
	"github.com/pithecene-io/courier/types"
)

// Format represents an output format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string. An empty string yields an empty
// Format so the caller can pick the default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from the --format and --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = DefaultFormat(os.Stdout)
	}
	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color") || os.Getenv("NO_COLOR") != "",
		out:     os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// WithWriter returns a copy of r writing to w.
func (r *Renderer) WithWriter(w io.Writer) *Renderer {
	out := *r
	out.out = w
	return &out
}

// DefaultFormat picks table for terminals and json for everything else.
func DefaultFormat(f *os.File) Format {
	if term.IsTerminal(int(f.Fd())) {
		return FormatTable
	}
	return FormatJSON
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI runs the interactive view for viewType. The TUI is read-only.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

func (r *Renderer) renderTable(data any) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice {
		return r.renderSliceTable(v)
	}
	return r.renderStructTable(v)
}

func (r *Renderer) renderSliceTable(v reflect.Value) error {
	if v.Len() == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	first := indirect(v.Index(0))
	if first.Kind() != reflect.Struct {
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(w, r.formatValue(v.Index(i)))
		}
		return w.Flush()
	}

	t := first.Type()
	headers := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name, ok := fieldName(t.Field(i)); ok {
			headers = append(headers, strings.ToUpper(name))
		}
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))

	for i := 0; i < v.Len(); i++ {
		row := indirect(v.Index(i))
		if !row.IsValid() {
			continue
		}
		values := make([]string, 0, len(headers))
		for j := 0; j < t.NumField(); j++ {
			if _, ok := fieldName(t.Field(j)); ok {
				values = append(values, r.formatValue(row.Field(j)))
			}
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}
	return w.Flush()
}

// renderStructTable prints one key per line. Nested structs flatten into
// dotted keys so `courier status` reads as a single block.
func (r *Renderer) renderStructTable(v reflect.Value) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	v = indirect(v)

	switch v.Kind() {
	case reflect.Struct:
		r.writeStruct(w, "", v)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			fmt.Fprintf(w, "%v:\t%s\n", iter.Key().Interface(), r.formatValue(iter.Value()))
		}
	case reflect.Invalid:
		fmt.Fprintln(w, "(no results)")
	default:
		fmt.Fprintf(w, "%v\n", v.Interface())
	}
	return w.Flush()
}

func (r *Renderer) writeStruct(w io.Writer, prefix string, v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := fieldName(t.Field(i))
		if !ok {
			continue
		}
		key := prefix + name
		fv := v.Field(i)

		nested := indirect(fv)
		if nested.Kind() == reflect.Struct && nested.Type() != timeType {
			r.writeStruct(w, key+".", nested)
			continue
		}
		if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String {
			for j := 0; j < fv.Len(); j++ {
				fmt.Fprintf(w, "%s:\t%s\n", key, fv.Index(j).String())
			}
			continue
		}
		fmt.Fprintf(w, "%s:\t%s\n", key, r.formatValue(fv))
	}
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	statusType = reflect.TypeOf(types.OutcomeStatus(""))
)

func (r *Renderer) formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	if v.Type() == statusType {
		return r.colorStatus(types.OutcomeStatus(v.String()))
	}
	if v.Type() == timeType {
		ts := v.Interface().(time.Time)
		if ts.IsZero() {
			return ""
		}
		return ts.Format(time.RFC3339)
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func (r *Renderer) colorStatus(s types.OutcomeStatus) string {
	if r.noColor {
		return string(s)
	}
	return tui.StateStyle(string(s)).Render(string(s))
}

// fieldName returns the json name of an exported field. ok is false for
// fields hidden from output.
func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	if tag := f.Tag.Get("json"); tag != "" {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return "", false
		}
		if name != "" {
			return name, true
		}
	}
	return strings.ToLower(f.Name), true
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}
