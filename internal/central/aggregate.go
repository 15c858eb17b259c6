package central

import (
	"encoding/json"
	"strconv"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/ariesdockerd/ariesdockerd/internal/wire"
)

type daemonErr struct {
	code int
	msg  string
}

// AnySuccess returns the first successful response's fields (minus
// ticket/code). If every daemon failed, it raises DaemonError carrying the
// *most common* (code, msg) pair among the failures. The source this is
// ported from inverted that choice (least_common()[-1]); the spec is
// explicit that most-common is intended, so that's what's implemented.
func AnySuccess(results map[string]wire.Frame) (json.RawMessage, error) {
	var firstFailureOrder []daemonErr
	counts := map[string]int{}
	first := map[string]daemonErr{}

	for _, f := range results {
		if f.IsResponse() && *f.Code == 0 {
			return f.Fields, nil
		}
		code := 0
		msg := ""
		if f.IsResponse() {
			code = *f.Code
			msg = f.Msg
		}
		key := errKey(code, msg)
		if _, ok := first[key]; !ok {
			first[key] = daemonErr{code: code, msg: msg}
			firstFailureOrder = append(firstFailureOrder, daemonErr{code: code, msg: msg})
		}
		counts[key]++
	}

	if len(results) == 0 {
		return nil, errs.New(errs.DaemonError, "no daemons available")
	}

	best := ""
	bestCount := -1
	for _, de := range firstFailureOrder {
		key := errKey(de.code, de.msg)
		if counts[key] > bestCount {
			bestCount = counts[key]
			best = key
		}
	}
	chosen := first[best]
	return nil, errs.Newf(errs.DaemonError, "code=%d msg=%s", chosen.code, chosen.msg)
}

func errKey(code int, msg string) string {
	return msg + "\x00" + strconv.Itoa(code)
}

// Union merges responses field-by-field: list values are concatenated,
// object values are merged (later wins on key conflict). A scalar field
// that disagrees across daemons is resolved first-value-wins and its key is
// returned in the conflicts slice, rather than silently dropped as the
// source does; the handlers in this package do not log those keys. Any
// non-zero code short-circuits to DaemonError.
func Union(results map[string]wire.Frame) (json.RawMessage, []string, error) {
	merged := map[string]any{}
	var conflicts []string

	for name, f := range results {
		if f.IsResponse() && *f.Code != 0 {
			return nil, nil, errs.Newf(errs.DaemonError, "daemon %s: code=%d msg=%s", name, *f.Code, f.Msg)
		}
		var fields map[string]any
		if len(f.Fields) > 0 {
			if err := json.Unmarshal(f.Fields, &fields); err != nil {
				continue
			}
		}
		for k, v := range fields {
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			merged[k] = mergeValue(k, existing, v, &conflicts)
		}
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	return b, conflicts, nil
}

func mergeValue(key string, existing, incoming any, conflicts *[]string) any {
	switch e := existing.(type) {
	case []any:
		if in, ok := incoming.([]any); ok {
			return append(append([]any(nil), e...), in...)
		}
		return e
	case map[string]any:
		if in, ok := incoming.(map[string]any); ok {
			out := make(map[string]any, len(e)+len(in))
			for k, v := range e {
				out[k] = v
			}
			for k, v := range in {
				out[k] = v
			}
			return out
		}
		return e
	default:
		// scalar: keep first value, but record the disagreement if the
		// incoming scalar differs.
		if existing != incoming {
			*conflicts = append(*conflicts, key)
		}
		return existing
	}
}
