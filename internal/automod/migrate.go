package automod

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Document is a guild config as persisted: a JSON object decoded into Go
// values. Migration works on documents so that keys this version does not
// know about are carried through untouched.
type Document = map[string]any

type migration struct {
	to    int
	name  string
	apply func(doc Document)
}

// Upgrade chain. Each step brings a document at version to-1 to version to.
var migrations = []migration{
	{to: 1, name: "rename caps.percentage", apply: renameCapsPercentage},
	{to: 2, name: "backfill rule timeouts", apply: backfillRuleTimeouts},
	{to: 3, name: "backfill lists", apply: backfillLists},
}

var ruleKeys = []string{"spam", "caps", "links", "badWords", "antiRaid"}

// MigrateConfig returns a schema-current copy of doc and whether it differs
// from the input. The input is never modified. Applying it to its own output
// returns an equal document and false.
func MigrateConfig(doc Document) (Document, bool) {
	out, _ := deepCopy(doc).(Document)
	if out == nil {
		out = Document{}
	}

	v := schemaVersion(out)
	for _, m := range migrations {
		if v < m.to {
			m.apply(out)
			v = m.to
		}
	}
	// Null lists can be written back at any version.
	backfillLists(out)
	backfillDefaults(out, defaultDocument())
	if schemaVersion(out) != v {
		out["schemaVersion"] = float64(v)
	}
	return out, !reflect.DeepEqual(doc, out)
}

func renameCapsPercentage(doc Document) {
	caps, ok := doc["caps"].(Document)
	if !ok {
		return
	}
	p, ok := caps["percentage"]
	if !ok {
		return
	}
	if n, ok := number(caps["capsPercentage"]); !ok || n <= 0 {
		caps["capsPercentage"] = p
	}
	delete(caps, "percentage")
}

func backfillRuleTimeouts(doc Document) {
	for _, k := range ruleKeys {
		rule, ok := doc[k].(Document)
		if !ok {
			continue
		}
		if n, ok := number(rule["timeoutDuration"]); ok && n > 0 {
			continue
		}
		def := float64(DefaultRuleTimeoutMs)
		if k == "antiRaid" {
			def = DefaultRaidTimeoutMs
		}
		rule["timeoutDuration"] = def
	}
}

// backfillLists fills absent or null lists. An explicit empty list is kept.
func backfillLists(doc Document) {
	if links, ok := doc["links"].(Document); ok && links["allowedDomains"] == nil {
		links["allowedDomains"] = stringsToAny(defaultAllowedDomains)
	}
	if words, ok := doc["badWords"].(Document); ok && words["words"] == nil {
		words["words"] = stringsToAny(defaultBadWords)
	}
	wl, ok := doc["whitelist"].(Document)
	if !ok {
		wl = Document{}
		doc["whitelist"] = wl
	}
	for _, k := range []string{"roles", "channels", "users"} {
		if wl[k] == nil {
			wl[k] = []any{}
		}
	}
}

// backfillDefaults adds every key of def missing from doc, recursing into
// nested objects. Existing values win unless an object is expected and the
// stored value is not one.
func backfillDefaults(doc, def Document) {
	for k, dv := range def {
		cur, ok := doc[k]
		if !ok {
			doc[k] = deepCopy(dv)
			continue
		}
		dm, isObj := dv.(Document)
		if !isObj {
			continue
		}
		cm, ok := cur.(Document)
		if !ok {
			doc[k] = deepCopy(dm)
			continue
		}
		backfillDefaults(cm, dm)
	}
}

func defaultDocument() Document {
	doc, err := toDocument(DefaultGuildConfig())
	if err != nil {
		panic(fmt.Errorf("automod: default config does not encode: %w", err))
	}
	return doc
}

func schemaVersion(doc Document) int {
	n, ok := number(doc["schemaVersion"])
	if !ok || n < 0 {
		return 0
	}
	return int(n)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case Document:
		m := make(Document, len(x))
		for k, e := range x {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		if x == nil {
			return []any(nil)
		}
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}

// toDocument encodes a typed config into document form.
func toDocument(cfg GuildConfig) (Document, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DecodeConfig decodes a (migrated) document into the typed config.
// Unknown keys are ignored here; they stay in the document.
func DecodeConfig(doc Document) (GuildConfig, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return GuildConfig{}, err
	}
	var cfg GuildConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return GuildConfig{}, err
	}
	return cfg, nil
}

// mergeDocument overlays cfg onto a copy of doc, keeping keys cfg does not define.
func mergeDocument(doc Document, cfg GuildConfig) (Document, error) {
	typed, err := toDocument(cfg)
	if err != nil {
		return nil, err
	}
	out, _ := deepCopy(doc).(Document)
	if out == nil {
		out = Document{}
	}
	overlay(out, typed)
	return out, nil
}

func overlay(dst, src Document) {
	for k, sv := range src {
		sm, sIsObj := sv.(Document)
		dm, dIsObj := dst[k].(Document)
		if sIsObj && dIsObj {
			overlay(dm, sm)
			continue
		}
		dst[k] = sv
	}
}
