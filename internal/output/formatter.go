// Package output renders command results as tables, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Formatter turns a value into printable text.
type Formatter interface {
	Format(data any) string
}

// NewFormatter returns the formatter for format: "table" (default), "json"
// or "yaml".
func NewFormatter(format string) Formatter {
	switch strings.ToLower(format) {
	case "json":
		return JSON{}
	case "yaml":
		return YAML{}
	default:
		return Table{}
	}
}

// Valid reports whether format names a known formatter. The empty string
// selects the table.
func Valid(format string) bool {
	switch strings.ToLower(format) {
	case "", "table", "json", "yaml":
		return true
	}
	return false
}

// Table aligns structs and slices of structs in columns headed by their
// json field names.
type Table struct{}

func (Table) Format(data any) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return "No entries.\n"
		}
		elem := indirect(v.Index(0))
		if elem.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(w, cell(v.Index(i)))
			}
			break
		}
		cols := columns(elem.Type())
		headers := make([]string, len(cols))
		for i, c := range cols {
			headers[i] = strings.ToUpper(c.name)
		}
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for i := 0; i < v.Len(); i++ {
			row := indirect(v.Index(i))
			vals := make([]string, len(cols))
			for j, c := range cols {
				vals[j] = cell(row.Field(c.index))
			}
			fmt.Fprintln(w, strings.Join(vals, "\t"))
		}
	case reflect.Struct:
		for _, c := range columns(v.Type()) {
			fmt.Fprintf(w, "%s:\t%s\n", c.name, cell(v.Field(c.index)))
		}
	case reflect.Map:
		keys := v.MapKeys()
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = fmt.Sprint(k.Interface())
		}
		order := make(map[string]reflect.Value, len(keys))
		for i, k := range keys {
			order[names[i]] = k
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "%s:\t%s\n", n, cell(v.MapIndex(order[n])))
		}
	default:
		fmt.Fprintln(w, data)
	}

	w.Flush()
	return buf.String()
}

type column struct {
	name  string
	index int
}

// columns lists the exported fields of t not tagged json:"-".
func columns(t reflect.Type) []column {
	var out []column
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out = append(out, column{name: name, index: i})
	}
	return out
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	return v
}

func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.String {
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = v.Index(i).String()
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", v.Interface())
}

// JSON indents with two spaces.
type JSON struct{}

func (JSON) Format(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("error formatting JSON: %v\n", err)
	}
	return string(b) + "\n"
}

// YAML uses yaml.v3 defaults.
type YAML struct{}

func (YAML) Format(data any) string {
	b, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Sprintf("error formatting YAML: %v\n", err)
	}
	return string(b)
}
