package configmgr

import "encoding/json"

// parseJsonStringArray decodes a JSON array of strings, returning nil on
// any decode failure rather than erroring the whole table row.
func parseJsonStringArray(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
