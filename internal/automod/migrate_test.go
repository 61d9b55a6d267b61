package automod

import (
	"encoding/json"
	"reflect"
	"testing"
)

func mustDoc(t *testing.T, s string) Document {
	t.Helper()
	var doc Document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		t.Fatalf("bad fixture %q: %v", s, err)
	}
	return doc
}

func TestMigrateConfigLegacyShape(t *testing.T) {
	t.Parallel()

	in := mustDoc(t, `{
		"enabled": true,
		"caps": {"enabled": true, "minLength": 8, "percentage": 50},
		"links": {"enabled": true, "allowedDomains": ["example.org"]},
		"badWords": {"enabled": true, "words": []},
		"custom": {"panelMessageId": "123"}
	}`)
	before := deepCopy(in)

	out, changed := MigrateConfig(in)
	if !changed {
		t.Fatalf("expected legacy document to change")
	}
	if !reflect.DeepEqual(in, before) {
		t.Fatalf("input was mutated: %v", in)
	}

	caps := out["caps"].(Document)
	if _, ok := caps["percentage"]; ok {
		t.Fatalf("caps.percentage should be renamed: %v", caps)
	}
	if caps["capsPercentage"] != float64(50) {
		t.Fatalf("capsPercentage=%v want 50", caps["capsPercentage"])
	}
	if caps["timeoutDuration"] != float64(DefaultRuleTimeoutMs) {
		t.Fatalf("caps.timeoutDuration=%v", caps["timeoutDuration"])
	}
	raid := out["antiRaid"].(Document)
	if raid["timeoutDuration"] != float64(DefaultRaidTimeoutMs) {
		t.Fatalf("antiRaid.timeoutDuration=%v", raid["timeoutDuration"])
	}
	if got := out["links"].(Document)["allowedDomains"]; !reflect.DeepEqual(got, []any{"example.org"}) {
		t.Fatalf("allowedDomains=%v", got)
	}
	if got := out["badWords"].(Document)["words"]; !reflect.DeepEqual(got, []any{}) {
		t.Fatalf("explicit empty words list lost: %v", got)
	}
	if got := out["custom"]; !reflect.DeepEqual(got, Document{"panelMessageId": "123"}) {
		t.Fatalf("unknown key lost: %v", got)
	}
	if schemaVersion(out) != CurrentSchemaVersion {
		t.Fatalf("schemaVersion=%v", out["schemaVersion"])
	}

	cfg, err := DecodeConfig(out)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Caps.CapsPercentage != 50 || cfg.Caps.MinLength != 8 {
		t.Fatalf("caps=%+v", cfg.Caps)
	}
	if cfg.Whitelist.Roles == nil || cfg.Whitelist.Channels == nil || cfg.Whitelist.Users == nil {
		t.Fatalf("whitelist not backfilled: %+v", cfg.Whitelist)
	}
}

func TestMigrateConfigIdempotent(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":        `{}`,
		"legacy":       `{"caps":{"percentage":90},"spam":{"enabled":true}}`,
		"zero timeout": `{"spam":{"timeoutDuration":0},"antiRaid":{"timeoutDuration":-5}}`,
		"null lists":   `{"links":{"allowedDomains":null},"badWords":{"words":null},"whitelist":null}`,
		"wrong types":  `{"caps":"oops","whitelist":{"users":["1"]}}`,
		"future keys":  `{"schemaVersion":3,"extra":[1,2,{"a":"b"}],"spam":{"burst":true}}`,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			once, _ := MigrateConfig(mustDoc(t, raw))
			twice, changed := MigrateConfig(once)
			if changed {
				t.Fatalf("second migration reported a change")
			}
			if !reflect.DeepEqual(once, twice) {
				t.Fatalf("not idempotent:\nonce=%v\ntwice=%v", once, twice)
			}
		})
	}
}

func TestMigrateConfigBackfillsTimeouts(t *testing.T) {
	t.Parallel()

	out, _ := MigrateConfig(mustDoc(t, `{"spam":{"timeoutDuration":0},"links":{"timeoutDuration":30000}}`))
	if got := out["spam"].(Document)["timeoutDuration"]; got != float64(DefaultRuleTimeoutMs) {
		t.Fatalf("spam.timeoutDuration=%v", got)
	}
	if got := out["links"].(Document)["timeoutDuration"]; got != float64(30000) {
		t.Fatalf("configured timeout overwritten: %v", got)
	}
}

func TestMigrateConfigNullListsGetDefaults(t *testing.T) {
	t.Parallel()

	out, _ := MigrateConfig(mustDoc(t, `{"links":{"allowedDomains":null},"badWords":{}}`))
	cfg, err := DecodeConfig(out)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.Links.AllowedDomains, DefaultAllowedDomains()) {
		t.Fatalf("allowedDomains=%v", cfg.Links.AllowedDomains)
	}
	if !reflect.DeepEqual(cfg.BadWords.Words, DefaultBadWords()) {
		t.Fatalf("words=%v", cfg.BadWords.Words)
	}
}

func TestMigrateConfigNullListsAtCurrentVersion(t *testing.T) {
	t.Parallel()

	out, changed := MigrateConfig(mustDoc(t, `{"schemaVersion":3,`+
		`"links":{"allowedDomains":null},"badWords":{"words":[]},`+
		`"whitelist":{"roles":null,"channels":["c1"]}}`))
	if !changed {
		t.Fatalf("null lists should be rewritten")
	}
	cfg, err := DecodeConfig(out)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if !reflect.DeepEqual(cfg.Links.AllowedDomains, DefaultAllowedDomains()) {
		t.Fatalf("allowedDomains=%v", cfg.Links.AllowedDomains)
	}
	if words := out["badWords"].(Document)["words"]; !reflect.DeepEqual(words, []any{}) {
		t.Fatalf("explicit empty words replaced: %v", words)
	}
	wl := out["whitelist"].(Document)
	if !reflect.DeepEqual(wl["roles"], []any{}) || !reflect.DeepEqual(wl["channels"], []any{"c1"}) {
		t.Fatalf("whitelist=%v", wl)
	}
	if again, changed := MigrateConfig(out); changed || !reflect.DeepEqual(again, out) {
		t.Fatalf("second migration changed the document")
	}
}

func TestMigrateConfigCapsPercentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want float64
	}{
		{"legacy only", `{"caps":{"percentage":70}}`, 70},
		{"zero new value", `{"caps":{"capsPercentage":0,"percentage":70}}`, 70},
		{"negative new value", `{"caps":{"capsPercentage":-5,"percentage":70}}`, 70},
		{"null new value", `{"caps":{"capsPercentage":null,"percentage":70}}`, 70},
		{"positive new value wins", `{"caps":{"capsPercentage":40,"percentage":70}}`, 40},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, _ := MigrateConfig(mustDoc(t, tt.doc))
			caps := out["caps"].(Document)
			if got := caps["capsPercentage"]; got != tt.want {
				t.Fatalf("capsPercentage=%v want %v", got, tt.want)
			}
			if _, ok := caps["percentage"]; ok {
				t.Fatalf("legacy key kept: %v", caps)
			}
		})
	}
}

func TestMigrateConfigCurrentDefaultUnchanged(t *testing.T) {
	t.Parallel()

	doc, err := toDocument(DefaultGuildConfig())
	if err != nil {
		t.Fatalf("toDocument: %v", err)
	}
	if _, changed := MigrateConfig(doc); changed {
		t.Fatalf("default document should already be current")
	}
}

func TestMergeDocumentKeepsUnknownKeys(t *testing.T) {
	t.Parallel()

	base := mustDoc(t, `{"custom":1,"spam":{"burst":true,"maxMessages":5}}`)
	cfg := DefaultGuildConfig()
	cfg.Spam.MaxMessages = 9

	out, err := mergeDocument(base, cfg)
	if err != nil {
		t.Fatalf("mergeDocument: %v", err)
	}
	spam := out["spam"].(Document)
	if spam["burst"] != true || spam["maxMessages"] != float64(9) {
		t.Fatalf("spam=%v", spam)
	}
	if out["custom"] != float64(1) {
		t.Fatalf("custom=%v", out["custom"])
	}
	if base["spam"].(Document)["maxMessages"] != float64(5) {
		t.Fatalf("base mutated")
	}
}
