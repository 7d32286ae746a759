package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/transparencies/askama/diag"
	"github.com/transparencies/askama/escape"
	"github.com/transparencies/askama/types"
	"github.com/transparencies/askama/value"
)

var (
	sanitizeOnce   sync.Once
	sanitizePolicy *bluemonday.Policy
)

func ugcPolicy() *bluemonday.Policy {
	sanitizeOnce.Do(func() {
		sanitizePolicy = bluemonday.UGCPolicy()
	})
	return sanitizePolicy
}

func (r *Registry) installBuiltins() {
	r.Add(stringFilter("upper", nil, func(s string, _ []any) (string, error) {
		return strings.ToUpper(s), nil
	}))
	r.Add(stringFilter("lower", nil, func(s string, _ []any) (string, error) {
		return strings.ToLower(s), nil
	}))
	r.Add(stringFilter("trim", nil, func(s string, _ []any) (string, error) {
		return strings.TrimSpace(s), nil
	}))
	r.Add(stringFilter("capitalize", nil, func(s string, _ []any) (string, error) {
		return capitalize(s), nil
	}))
	r.Add(stringFilter("title", nil, func(s string, _ []any) (string, error) {
		return titleCase(s), nil
	}))
	r.Add(stringFilter("replace", []*types.Type{types.String, types.String},
		func(s string, args []any) (string, error) {
			return strings.ReplaceAll(s, args[0].(string), args[1].(string)), nil
		}))
	r.Add(stringFilter("indent", []*types.Type{types.Int},
		func(s string, args []any) (string, error) {
			return indent(s, int(value.AsInt(args[0]))), nil
		}))

	r.Add(&Filter{
		Name: "default",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("default", args, 1); err != nil {
				return nil, err
			}
			if !types.Equal(input, args[0]) {
				return nil, diag.Newf(diag.ErrTypeMismatch,
					"filter default: fallback type %s does not match input type %s",
					args[0], input)
			}
			return input, nil
		},
		Apply: func(input any, args []any) (any, error) {
			if isEmpty(input) {
				return args[0], nil
			}
			return input, nil
		},
	})

	r.Add(&Filter{
		Name: "length",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("length", args, 0); err != nil {
				return nil, err
			}
			switch input.Kind {
			case types.KindString, types.KindSafe, types.KindList, types.KindMap:
				return types.Int, nil
			}
			return nil, diag.Newf(diag.ErrFilterNotApplicable,
				"filter length requires a string, list or map, got %s", input)
		},
		Apply: func(input any, _ []any) (any, error) {
			return value.Len(input), nil
		},
	})
	r.Alias("count", "length")

	r.Add(&Filter{
		Name: "join",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("join", args, 1); err != nil {
				return nil, err
			}
			if err := wantArgType("join", args, 0, types.String); err != nil {
				return nil, err
			}
			if input.Kind != types.KindList || !input.Elem.IsPrintable() {
				return nil, diag.Newf(diag.ErrFilterNotApplicable,
					"filter join requires a list of printable values, got %s", input)
			}
			return types.String, nil
		},
		Apply: func(input any, args []any) (any, error) {
			items, _ := value.AsList(input)
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = value.Stringify(item)
			}
			return strings.Join(parts, args[0].(string)), nil
		},
	})

	r.Add(&Filter{
		Name:  "first",
		Check: listEndpointCheck("first"),
		Apply: func(input any, _ []any) (any, error) {
			return listEndpoint(input, false)
		},
	})
	r.Add(&Filter{
		Name:  "last",
		Check: listEndpointCheck("last"),
		Apply: func(input any, _ []any) (any, error) {
			return listEndpoint(input, true)
		},
	})

	r.Add(&Filter{
		Name: "reverse",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("reverse", args, 0); err != nil {
				return nil, err
			}
			switch input.Kind {
			case types.KindList:
				return input, nil
			case types.KindString:
				return types.String, nil
			}
			return nil, diag.Newf(diag.ErrFilterNotApplicable,
				"filter reverse requires a list or string, got %s", input)
		},
		Apply: func(input any, _ []any) (any, error) {
			if s, ok := input.(string); ok {
				runes := []rune(s)
				for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
					runes[i], runes[j] = runes[j], runes[i]
				}
				return string(runes), nil
			}
			items, _ := value.AsList(input)
			out := make([]any, len(items))
			for i, item := range items {
				out[len(items)-1-i] = item
			}
			return out, nil
		},
	})

	r.Add(&Filter{
		Name: "abs",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("abs", args, 0); err != nil {
				return nil, err
			}
			if err := wantNumeric("abs", input); err != nil {
				return nil, err
			}
			return input, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			switch v := input.(type) {
			case int64:
				if v < 0 {
					return -v, nil
				}
				return v, nil
			case float64:
				return math.Abs(v), nil
			}
			return input, nil
		},
	})

	r.Add(&Filter{
		Name: "round",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if len(args) > 1 {
				return nil, diag.Newf(diag.ErrArityMismatch,
					"filter round takes at most 1 argument, got %d", len(args))
			}
			if len(args) == 1 {
				if err := wantArgType("round", args, 0, types.Int); err != nil {
					return nil, err
				}
			}
			if err := wantNumeric("round", input); err != nil {
				return nil, err
			}
			return types.Float, nil
		},
		Apply: func(input any, args []any) (any, error) {
			f := value.AsFloat(input)
			precision := 0
			if len(args) == 1 {
				precision = int(value.AsInt(args[0]))
			}
			shift := math.Pow(10, float64(precision))
			return math.Round(f*shift) / shift, nil
		},
	})

	r.Add(&Filter{
		Name: "int",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("int", args, 0); err != nil {
				return nil, err
			}
			switch input.Kind {
			case types.KindInt, types.KindFloat, types.KindBool, types.KindString:
				return types.Int, nil
			}
			return nil, diag.Newf(diag.ErrFilterNotApplicable,
				"filter int cannot convert %s", input)
		},
		Apply: func(input any, _ []any) (any, error) {
			if s, ok := input.(string); ok {
				n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
				if err != nil {
					return nil, fmt.Errorf("int: cannot convert %q", s)
				}
				return n, nil
			}
			return value.AsInt(input), nil
		},
	})

	r.Add(&Filter{
		Name: "float",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("float", args, 0); err != nil {
				return nil, err
			}
			switch input.Kind {
			case types.KindInt, types.KindFloat, types.KindString:
				return types.Float, nil
			}
			return nil, diag.Newf(diag.ErrFilterNotApplicable,
				"filter float cannot convert %s", input)
		},
		Apply: func(input any, _ []any) (any, error) {
			if s, ok := input.(string); ok {
				f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if err != nil {
					return nil, fmt.Errorf("float: cannot convert %q", s)
				}
				return f, nil
			}
			return value.AsFloat(input), nil
		},
	})

	r.Add(&Filter{
		Name: "format",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantString("format", input); err != nil {
				return nil, err
			}
			for i, arg := range args {
				if !arg.IsPrintable() {
					return nil, diag.Newf(diag.ErrTypeMismatch,
						"filter format: argument %d is not printable (%s)", i+1, arg)
				}
			}
			return types.String, nil
		},
		Apply: func(input any, args []any) (any, error) {
			return fmt.Sprintf(input.(string), args...), nil
		},
	})

	r.Add(&Filter{
		Name: "filesizeformat",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("filesizeformat", args, 0); err != nil {
				return nil, err
			}
			if err := wantNumeric("filesizeformat", input); err != nil {
				return nil, err
			}
			return types.String, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return filesizeFormat(value.AsFloat(input)), nil
		},
	})

	r.Add(&Filter{
		Name: "urlencode",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("urlencode", args, 0); err != nil {
				return nil, err
			}
			if err := wantString("urlencode", input); err != nil {
				return nil, err
			}
			return types.String, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return escape.URLComponent(input.(string)), nil
		},
	})

	r.Add(&Filter{
		Name: "json",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("json", args, 0); err != nil {
				return nil, err
			}
			switch input.Kind {
			case types.KindFunc, types.KindStruct:
				return nil, diag.Newf(diag.ErrFilterNotApplicable,
					"filter json cannot serialize %s", input)
			}
			return types.Safe, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			// Marshal escapes <, > and & so the output is inert in HTML.
			out, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("json: %w", err)
			}
			return value.Safe(out), nil
		},
	})

	r.Add(&Filter{
		Name: "lines",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("lines", args, 0); err != nil {
				return nil, err
			}
			if err := wantString("lines", input); err != nil {
				return nil, err
			}
			return types.ListOf(types.String), nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return splitLines(input.(string)), nil
		},
	})

	r.Add(&Filter{
		Name: "wordcount",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("wordcount", args, 0); err != nil {
				return nil, err
			}
			if err := wantString("wordcount", input); err != nil {
				return nil, err
			}
			return types.Int, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return int64(len(strings.Fields(input.(string)))), nil
		},
	})

	r.Add(&Filter{
		Name: "safe",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("safe", args, 0); err != nil {
				return nil, err
			}
			if !input.IsText() {
				return nil, diag.Newf(diag.ErrFilterNotApplicable,
					"filter safe requires a string input, got %s", input)
			}
			return types.Safe, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return value.Safe(value.AsString(input)), nil
		},
	})

	format := r.format
	r.Add(&Filter{
		Name: "escape",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("escape", args, 0); err != nil {
				return nil, err
			}
			if !input.IsText() {
				return nil, diag.Newf(diag.ErrFilterNotApplicable,
					"filter escape requires a string input, got %s", input)
			}
			return types.Safe, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			// Already safe input is not escaped twice.
			if s, ok := input.(value.Safe); ok {
				return s, nil
			}
			return value.Safe(format.Apply(value.AsString(input))), nil
		},
	})
	r.Alias("e", "escape")

	r.Add(&Filter{
		Name: "sanitize",
		Check: func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
			if err := wantArity("sanitize", args, 0); err != nil {
				return nil, err
			}
			if err := wantString("sanitize", input); err != nil {
				return nil, err
			}
			return types.Safe, nil
		},
		Apply: func(input any, _ []any) (any, error) {
			return value.Safe(ugcPolicy().Sanitize(input.(string))), nil
		},
	})
}

func listEndpointCheck(name string) CheckFunc {
	return func(input *types.Type, args []*types.Type) (*types.Type, *diag.Error) {
		if err := wantArity(name, args, 0); err != nil {
			return nil, err
		}
		switch input.Kind {
		case types.KindList:
			return input.Elem, nil
		case types.KindString:
			return types.String, nil
		}
		return nil, diag.Newf(diag.ErrFilterNotApplicable,
			"filter %s requires a list or string, got %s", name, input)
	}
}

func listEndpoint(input any, last bool) (any, error) {
	if s, ok := input.(string); ok {
		runes := []rune(s)
		if len(runes) == 0 {
			return "", nil
		}
		if last {
			return string(runes[len(runes)-1]), nil
		}
		return string(runes[0]), nil
	}
	items, _ := value.AsList(input)
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot take first/last of an empty list")
	}
	if last {
		return items[len(items)-1], nil
	}
	return items[0], nil
}

func isEmpty(v any) bool {
	switch v := v.(type) {
	case string:
		return v == ""
	case value.Safe:
		return v == ""
	case int64:
		return v == 0
	case float64:
		return v == 0
	case bool:
		return !v
	case nil:
		return true
	}
	if items, ok := value.AsList(v); ok {
		return len(items) == 0
	}
	return false
}

func capitalize(s string) string {
	runes := []rune(strings.ToLower(s))
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}

func titleCase(s string) string {
	var b strings.Builder
	startOfWord := true
	for _, r := range s {
		if unicode.IsSpace(r) {
			startOfWord = true
			b.WriteRune(r)
			continue
		}
		if startOfWord {
			b.WriteRune(unicode.ToUpper(r))
			startOfWord = false
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func indent(s string, width int) string {
	if width <= 0 {
		return s
	}
	pad := strings.Repeat(" ", width)
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = pad + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func splitLines(s string) []any {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	parts := strings.Split(s, "\n")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSuffix(p, "\r")
	}
	return out
}

var sizeUnits = [...]string{"KB", "MB", "GB", "TB", "PB", "EB"}

func filesizeFormat(size float64) string {
	if size < 1000 {
		return value.FormatFloat(size) + " B"
	}
	unit := "B"
	for _, u := range sizeUnits {
		size /= 1000
		unit = u
		if size < 1000 {
			break
		}
	}
	rounded := math.Round(size*100) / 100
	return value.FormatFloat(rounded) + " " + unit
}
