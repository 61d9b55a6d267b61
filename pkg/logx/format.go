package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Discord rejects messages over 2000 characters.
const maxChannelText = 1900

// formatRecord renders one zerolog JSON line as a short chat message:
// "**[WARN]** message" followed by one "`key`: value" line per field.
func formatRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxChannelText)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("**[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("]** ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n```\n")
			b.WriteString(truncate(v, 900))
			b.WriteString("\n```")
			continue
		}
		b.WriteString("\n`")
		b.WriteString(k)
		b.WriteString("`: ")
		b.WriteString(truncate(v, 300))
	}
	return truncate(b.String(), maxChannelText)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
