package gateway

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// TranslateMode selects how Translate treats the query.
type TranslateMode int

const (
	// ModeOptimize maps client options into the dedicated upstream's
	// dialect and drops everything it does not recognize.
	ModeOptimize TranslateMode = iota

	// ModePassthrough keeps every parameter verbatim with no translation.
	ModePassthrough
)

// dialectPrefix marks keys already in the dedicated upstream's form.
const dialectPrefix = "img-"

// clientAliases maps client-facing option names to dialect keys.
var clientAliases = map[string]string{
	"width":     "img-width",
	"height":    "img-height",
	"dpr":       "img-dpr",
	"fit":       "img-fit",
	"gravity":   "img-gravity",
	"quality":   "img-quality",
	"format":    "img-format",
	"animation": "img-anim",
	"sharpen":   "img-sharpen",
	"onError":   "img-onerror",
	"metadata":  "img-metadata",
}

type validator func(string) bool

// dialectRules validates a value by dialect key. Unknown img-* keys have no
// rule and pass through unchanged.
var dialectRules = map[string]validator{
	"img-width":    positiveNumber,
	"img-height":   positiveNumber,
	"img-dpr":      positiveNumber,
	"img-quality":  numberInRange(1, 100),
	"img-sharpen":  numberInRange(0, 10),
	"img-fit":      oneOf("scale-down", "contain", "cover", "crop", "pad"),
	"img-format":   oneOf("auto", "webp", "avif", "jpeg", "png"),
	"img-metadata": oneOf("keep", "copyright", "none"),
	"img-onerror":  oneOf("redirect"),
	"img-anim":     oneOf("true", "false"),
	"img-gravity":  validGravity,
}

// Params is the result of translating a client query.
type Params struct {
	// Dialect holds validated parameters in the dedicated upstream's form.
	Dialect url.Values

	// Passthrough holds parameters forwarded verbatim.
	Passthrough url.Values

	// Rejected lists the client keys whose values failed validation.
	Rejected []string
}

// Optimized reports whether any optimization parameter survived validation.
func (p Params) Optimized() bool {
	return len(p.Dialect) > 0
}

// Supplied reports whether the client sent any optimization key at all,
// valid or not.
func (p Params) Supplied() bool {
	return len(p.Dialect) > 0 || len(p.Rejected) > 0
}

// Query returns the parameters to append to upstream URLs.
func (p Params) Query() url.Values {
	if p.Optimized() {
		return p.Dialect
	}
	return p.Passthrough
}

// Translate maps query into dialect and passthrough parameters. Each
// recognized key is validated on its own; a bad value drops only that key.
// Only the first value of each key is considered in ModeOptimize.
//
// When both a client alias and its dialect key are present the alias wins.
func Translate(query url.Values, mode TranslateMode) Params {
	p := Params{
		Dialect:     url.Values{},
		Passthrough: url.Values{},
	}

	for _, key := range orderedKeys(query) {
		values := query[key]
		if len(values) == 0 {
			continue
		}

		if mode == ModePassthrough {
			p.Passthrough[key] = append([]string(nil), values...)
			continue
		}

		dialectKey, ok := clientAliases[key]
		if !ok {
			if !strings.HasPrefix(key, dialectPrefix) {
				continue
			}
			dialectKey = key
		}

		value := values[0]
		if rule, known := dialectRules[dialectKey]; known && !rule(value) {
			p.Rejected = append(p.Rejected, key)
			continue
		}
		p.Dialect.Set(dialectKey, value)
	}

	return p
}

// orderedKeys returns dialect-form keys first and client aliases after, each
// group sorted, so translation is deterministic.
func orderedKeys(query url.Values) []string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.HasPrefix(keys[i], dialectPrefix), strings.HasPrefix(keys[j], dialectPrefix)
		if di != dj {
			return di
		}
		return keys[i] < keys[j]
	})
	return keys
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func positiveNumber(s string) bool {
	f, ok := parseNumber(s)
	return ok && f > 0
}

func numberInRange(lo, hi float64) validator {
	return func(s string) bool {
		f, ok := parseNumber(s)
		return ok && f >= lo && f <= hi
	}
}

func oneOf(allowed ...string) validator {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(s string) bool {
		_, ok := set[s]
		return ok
	}
}

var gravityNames = oneOf("auto", "left", "right", "top", "bottom", "center")

// validGravity accepts a named side or an "XxY" focal point with both
// coordinates in [0,1].
func validGravity(s string) bool {
	if gravityNames(s) {
		return true
	}
	x, y, ok := strings.Cut(s, "x")
	if !ok {
		return false
	}
	inUnit := numberInRange(0, 1)
	return inUnit(x) && inUnit(y)
}
