package pricing

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// RefreshFromFile replaces the dynamic table with the contents of a JSON
// price table file and returns the number of entries loaded.
func (r *Resolver) RefreshFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read price table: %w", err)
	}
	return r.RefreshFromJSON(data)
}

// RefreshFromJSON replaces the dynamic table from a JSON document in the
// common published format: an object keyed by model id, each value carrying
// per-token USD rates.
//
//	{
//	  "gpt-5": {
//	    "input_cost_per_token": 1.25e-06,
//	    "output_cost_per_token": 1e-05,
//	    "cache_read_input_token_cost": 1.25e-07,
//	    "litellm_provider": "openai"
//	  }
//	}
//
// Entries with no input or output rate are skipped, as are non-object
// values such as the sample_spec banner some feeds prepend. The swap is
// atomic;
// readers see either the old table or the new one, never a partial mix.
func (r *Resolver) RefreshFromJSON(data []byte) (int, error) {
	if !gjson.ValidBytes(data) {
		return 0, fmt.Errorf("price table is not valid JSON")
	}

	entries := make(map[string]entry)
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		in := value.Get("input_cost_per_token")
		out := value.Get("output_cost_per_token")
		if !in.Exists() && !out.Exists() {
			return true
		}

		e := entry{
			inputPerToken:     in.Float(),
			outputPerToken:    out.Float(),
			cacheReadPerToken: value.Get("cache_read_input_token_cost").Float(),
			provider:          value.Get("litellm_provider").String(),
		}
		if cw := value.Get("cache_creation_input_token_cost"); cw.Exists() {
			e.cacheWritePerToken = cw.Float()
			e.hasCacheWrite = true
		}
		entries[key.String()] = e
		return true
	})

	if len(entries) == 0 {
		return 0, fmt.Errorf("price table contains no usable entries")
	}

	r.dynamic.Store(&table{entries: entries})
	return len(entries), nil
}
