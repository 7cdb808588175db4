package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"automsg/internal/automessage"
	logx "automsg/pkg/logx"
)

// DecodeIssue describes a field of a message definition that could not be
// decoded and was treated as absent.
type DecodeIssue struct {
	Index int
	Label string
	Field string
	Err   string
}

func (i DecodeIssue) String() string {
	return fmt.Sprintf("messages[%d] (%s).%s: %s", i.Index, i.Label, i.Field, i.Err)
}

// DecodeDefinitions turns raw message entries into group definitions.
//
// Decoding is best-effort per field: a field with the wrong shape is treated
// as missing and reported as an issue, so the validator classifies the
// definition instead of the whole list being rejected.
func DecodeDefinitions(raw []json.RawMessage) ([]automessage.GroupDefinition, []DecodeIssue) {
	defs := make([]automessage.GroupDefinition, 0, len(raw))
	var issues []DecodeIssue
	for i, r := range raw {
		def, iss := decodeDefinition(i, r)
		defs = append(defs, def)
		issues = append(issues, iss...)
	}
	return defs, issues
}

var definitionKeys = map[string]struct{}{
	"name": {}, "label": {}, "interval": {}, "servers": {}, "destinations": {}, "messages": {},
}

func decodeDefinition(index int, raw json.RawMessage) (automessage.GroupDefinition, []DecodeIssue) {
	def := automessage.GroupDefinition{Label: "#" + strconv.Itoa(index+1)}
	var issues []DecodeIssue
	issue := func(field string, err error) {
		issues = append(issues, DecodeIssue{Index: index, Label: def.Label, Field: field, Err: err.Error()})
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		if err == nil {
			err = fmt.Errorf("definition is null")
		}
		issue("*", err)
		return def, issues
	}

	for _, key := range []string{"name", "label"} {
		if v, ok := fields[key]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				issue(key, err)
			} else if s = strings.TrimSpace(s); s != "" {
				def.Label = s
				break
			}
		}
	}

	if v, ok := fields["interval"]; ok {
		secs, err := decodeInterval(v)
		if err != nil {
			issue("interval", err)
		} else {
			def.Interval = secs
		}
	}

	for _, key := range []string{"servers", "destinations"} {
		if v, ok := fields[key]; ok {
			list, err := decodeStrings(v)
			if err != nil {
				issue(key, err)
			}
			def.Destinations = append(def.Destinations, list...)
		}
	}

	if v, ok := fields["messages"]; ok {
		list, err := decodeStrings(v)
		if err != nil {
			issue("messages", err)
		}
		def.Messages = list
	}

	for k := range fields {
		if _, known := definitionKeys[k]; !known {
			issue(k, fmt.Errorf("unknown field"))
		}
	}
	return def, issues
}

// decodeInterval accepts seconds as a number or numeric string, or a Go
// duration string. JSON null means absent.
func decodeInterval(v json.RawMessage) (*float64, error) {
	v = bytes.TrimSpace(v)
	if bytes.Equal(v, []byte("null")) {
		return nil, nil
	}
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return &n, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, fmt.Errorf("want number of seconds or duration string")
	}
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return &f, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q", s)
	}
	secs := d.Seconds()
	return &secs, nil
}

// decodeStrings accepts a list of strings or a single string. Non-string
// list elements are dropped with an error; the remaining strings are kept.
func decodeStrings(v json.RawMessage) ([]string, error) {
	v = bytes.TrimSpace(v)
	if bytes.Equal(v, []byte("null")) {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(v, &one); err == nil {
		return []string{one}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, fmt.Errorf("want list of strings")
	}
	out := make([]string, 0, len(items))
	dropped := 0
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err != nil {
			dropped++
			continue
		}
		out = append(out, s)
	}
	if dropped > 0 {
		return out, fmt.Errorf("%d non-string item(s) dropped", dropped)
	}
	return out, nil
}

// Definitions re-reads the config file and returns its message groups.
//
// If the file cannot be parsed, the definitions of the last committed config
// are returned together with the parse error.
func (m *ConfigManager) Definitions(ctx context.Context) ([]automessage.GroupDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := m.Parse()
	if err != nil {
		last := m.Get()
		if last == nil {
			return nil, fmt.Errorf("read definitions: %w", err)
		}
		defs, _ := DecodeDefinitions(last.Messages)
		return defs, fmt.Errorf("read definitions (using last good config): %w", err)
	}
	defs, issues := DecodeDefinitions(cfg.Messages)
	if !m.log.IsZero() {
		for _, is := range issues {
			m.log.Warn("message definition field ignored",
				logx.Int("index", is.Index),
				logx.String("label", is.Label),
				logx.String("field", is.Field),
				logx.String("err", is.Err),
			)
		}
	}
	return defs, nil
}
