package extractors

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	gocache "github.com/patrickmn/go-cache"
)

var converters = map[string]func(string) (string, error){
	"trim":  func(s string) (string, error) { return strings.TrimSpace(s), nil },
	"upper": func(s string) (string, error) { return strings.ToUpper(s), nil },
	"lower": func(s string) (string, error) { return strings.ToLower(s), nil },
	"urldecode": func(s string) (string, error) {
		return url.QueryUnescape(s)
	},
	"urlencode": func(s string) (string, error) { return url.QueryEscape(s), nil },
	"base64decode": func(s string) (string, error) {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	},
	"base64encode": func(s string) (string, error) {
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	},
}

// IsConverter reports whether name is a known converter
func IsConverter(name string) bool {
	_, ok := converters[strings.ToLower(name)]
	return ok
}

func convert(value string, names []string) (string, error) {
	for _, name := range names {
		fn, ok := converters[strings.ToLower(name)]
		if !ok {
			return "", fmt.Errorf("unknown converter %q", name)
		}
		var err error
		value, err = fn(value)
		if err != nil {
			return "", fmt.Errorf("converter %s: %w", name, err)
		}
	}
	return value, nil
}

// programs caches compiled transform expressions
var programs = gocache.New(30*time.Minute, time.Hour)

func compileTransform(expression string) (*vm.Program, error) {
	if cached, found := programs.Get(expression); found {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(expression, expr.Env(map[string]interface{}{"value": ""}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile transform: %w", err)
	}

	programs.SetDefault(expression, program)
	return program, nil
}

func runTransform(expression, value string) (string, error) {
	program, err := compileTransform(expression)
	if err != nil {
		return "", err
	}

	out, err := expr.Run(program, map[string]interface{}{"value": value})
	if err != nil {
		return "", fmt.Errorf("failed to evaluate transform: %w", err)
	}
	if out == nil {
		return "", nil
	}
	return fmt.Sprint(out), nil
}
