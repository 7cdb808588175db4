package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"automsg/internal/automessage"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestEnsureDefaultParsesInEveryFormat(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"automsg.yaml", "automsg.json", "nested/dir/automsg.yml"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := filepath.Join(t.TempDir(), name)
			wrote, err := EnsureDefault(p)
			if err != nil || !wrote {
				t.Fatalf("EnsureDefault = %v, %v", wrote, err)
			}
			cfg, err := NewConfigManager(p).Parse()
			if err != nil {
				t.Fatalf("Parse default: %v", err)
			}
			if len(cfg.Messages) != 1 || cfg.Destinations["lobby"].ChatID == 0 {
				t.Fatalf("unexpected default config: %+v", cfg)
			}
			defs, issues := DecodeDefinitions(cfg.Messages)
			if len(issues) != 0 {
				t.Fatalf("issues = %v", issues)
			}
			if _, res := automessage.Validate(defs[0]); res != automessage.CheckOK {
				t.Fatalf("default group = %v", res)
			}

			wrote, err = EnsureDefault(p)
			if err != nil || wrote {
				t.Fatalf("second EnsureDefault = %v, %v", wrote, err)
			}
		})
	}
}

func TestParseJSONCAndStrictness(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	ok := writeFile(t, dir, "a.jsonc", `{
		// comment
		"transport": {"driver": "log"},
		"messages": [],
	}`)
	cfg, err := NewConfigManager(ok).Parse()
	if err != nil {
		t.Fatalf("Parse jsonc: %v", err)
	}
	if cfg.Transport.Driver != "log" {
		t.Fatalf("driver = %q", cfg.Transport.Driver)
	}

	bad := writeFile(t, dir, "b.json", `{"transport": {"driver": "log"}, "bogus": 1}`)
	if _, err := NewConfigManager(bad).Parse(); err == nil {
		t.Fatal("expected unknown field error")
	}

	trailing := writeFile(t, dir, "c.json", `{"messages": []} {"messages": []}`)
	if _, err := NewConfigManager(trailing).Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestDecodeDefinitionsLenient(t *testing.T) {
	t.Parallel()
	raw := []json.RawMessage{
		json.RawMessage(`{"name":"bad-interval","interval":"abc","servers":["s1"],"messages":["x"]}`),
		json.RawMessage(`{"interval":"5m","destinations":"s2","messages":"hello"}`),
		json.RawMessage(`{"label":"numeric","interval":"2.5","servers":["a",7,"b"],"messages":["m"]}`),
		json.RawMessage(`null`),
		json.RawMessage(`{"name":"extra","interval":10,"servers":["s"],"messages":["m"],"color":"red"}`),
		json.RawMessage(`{"name":"wrong-types","interval":true,"servers":{"a":1},"messages":[1,2]}`),
	}
	defs, issues := DecodeDefinitions(raw)
	if len(defs) != len(raw) {
		t.Fatalf("defs = %d, want %d", len(defs), len(raw))
	}

	want := []struct {
		label string
		res   automessage.CheckResult
	}{
		{"bad-interval", automessage.CheckIntervalNotSet},
		{"#2", automessage.CheckOK},
		{"numeric", automessage.CheckOK},
		{"#4", automessage.CheckIntervalNotSet},
		{"extra", automessage.CheckOK},
		{"wrong-types", automessage.CheckIntervalNotSet},
	}
	for i, w := range want {
		if defs[i].Label != w.label {
			t.Fatalf("defs[%d].Label = %q, want %q", i, defs[i].Label, w.label)
		}
		if _, res := automessage.Validate(defs[i]); res != w.res {
			t.Fatalf("defs[%d] = %v, want %v", i, res, w.res)
		}
	}

	if got := *defs[1].Interval; got != 300 {
		t.Fatalf("5m interval = %v seconds", got)
	}
	if got := defs[2].Destinations; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("destinations = %v", got)
	}

	fields := map[string]bool{}
	for _, is := range issues {
		fields[is.Field] = true
	}
	for _, f := range []string{"interval", "servers", "*", "color", "messages"} {
		if !fields[f] {
			t.Fatalf("missing issue for %q in %v", f, issues)
		}
	}
}

func TestDefinitionsFallsBackToLastGoodConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "automsg.json", `{"messages":[{"name":"a","interval":1,"servers":["s"],"messages":["m"]}]}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "automsg.json", `{"messages":[{"name":"b","interval":1,"servers":["s"],"messages":["m"]}]}`)
	defs, err := m.Definitions(context.Background())
	if err != nil || len(defs) != 1 || defs[0].Label != "b" {
		t.Fatalf("Definitions = %+v, %v", defs, err)
	}

	writeFile(t, dir, "automsg.json", `{"messages": [`)
	defs, err = m.Definitions(context.Background())
	if err == nil {
		t.Fatal("expected parse error")
	}
	if len(defs) != 1 || defs[0].Label != "a" {
		t.Fatalf("fallback defs = %+v", defs)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "log transport needs no token", cfg: Config{Transport: TransportConfig{Driver: "log"}}},
		{name: "telegram needs token", cfg: Config{}, wantErr: "telegram.token"},
		{name: "unknown transport", cfg: Config{Transport: TransportConfig{Driver: "irc"}}, wantErr: "transport.driver"},
		{
			name:    "bad settle delay",
			cfg:     Config{Transport: TransportConfig{Driver: "log"}, AutoMessages: AutoMessagesConfig{SettleDelay: "soon"}},
			wantErr: "auto_messages.settle_delay",
		},
		{
			name:    "destination without chat",
			cfg:     Config{Transport: TransportConfig{Driver: "log"}, Destinations: map[string]Destination{"x": {}}},
			wantErr: "destinations.x.chat_id",
		},
		{
			name:    "public status without token",
			cfg:     Config{Transport: TransportConfig{Driver: "log"}, Status: StatusConfig{Enabled: true, Addr: "0.0.0.0:6070"}},
			wantErr: "not loopback",
		},
		{
			name: "public status with token",
			cfg:  Config{Transport: TransportConfig{Driver: "log"}, Status: StatusConfig{Enabled: true, Addr: "0.0.0.0:6070", Token: "t"}},
		},
		{
			name:    "postgres without dsn",
			cfg:     Config{Transport: TransportConfig{Driver: "log"}, Storage: &StorageConfig{Driver: "postgres"}},
			wantErr: "storage.dsn",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(context.Background(), &tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Messages: []json.RawMessage{json.RawMessage(`{"a":1,"b":2}`)}}
	same := &Config{Messages: []json.RawMessage{json.RawMessage(`{ "b": 2, "a": 1 }`)}}
	if changed, _ := SummarizeConfigChange(oldCfg, same); len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}

	newCfg := &Config{
		Messages:  []json.RawMessage{json.RawMessage(`{"a":2}`)},
		Broadcast: &BroadcastConfig{Workers: 4},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "broadcast,messages" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "automsg.json", `{"transport":{"driver":"log"},"messages":[]}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(Validate)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, dir, "automsg.json", `{"transport":{"driver":"log"},"messages":[{"name":"x"}]}`)

	select {
	case cfg := <-sub:
		if len(cfg.Messages) != 1 {
			t.Fatalf("published config = %+v", cfg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch = %v", err)
	}
}
