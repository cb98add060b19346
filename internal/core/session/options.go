package session

import (
	"fmt"
	"math"
	"strings"

	"github.com/hay-kot/criterio"

	"github.com/hay-kot/huddle/pkg/randid"
)

// Token generator names accepted in TokenOptions.Func.
const (
	TokenNumeric      = "numeric"
	TokenAlphanumeric = "alphanumeric"
	TokenBase62       = "base62"
	TokenUUID         = "uuid"
	TokenStatic       = "static"
)

const (
	defaultNumericLength      = 6
	defaultAlphanumericLength = 8
	defaultBase62Bytes        = 16
	maxTokenLength            = 128
)

// TokenOptions selects how a session token is produced. Args depend on Func:
// numeric and alphanumeric take a length, base62 a number of random bytes,
// static the token itself and uuid nothing.
type TokenOptions struct {
	Func string `json:"func" yaml:"func"`
	Args []any  `json:"args,omitempty" yaml:"args,omitempty"`
}

// Static reports whether the token is supplied by the caller.
func (o TokenOptions) Static() bool {
	return o.Func == TokenStatic
}

// Generate produces a token. For static tokens it returns the supplied
// token every time.
func (o TokenOptions) Generate() (string, error) {
	switch o.Func {
	case TokenNumeric, "":
		n, err := o.intArg(defaultNumericLength)
		if err != nil {
			return "", err
		}
		return randid.Numeric(n), nil
	case TokenAlphanumeric:
		n, err := o.intArg(defaultAlphanumericLength)
		if err != nil {
			return "", err
		}
		return randid.Generate(n), nil
	case TokenBase62:
		n, err := o.intArg(defaultBase62Bytes)
		if err != nil {
			return "", err
		}
		return randid.Base62(n)
	case TokenUUID:
		return randid.UUID(), nil
	case TokenStatic:
		if len(o.Args) == 0 {
			return "", fmt.Errorf("static token requires the token as its argument")
		}
		s, ok := o.Args[0].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return "", fmt.Errorf("static token must be a non-empty string")
		}
		if len(s) > maxTokenLength {
			return "", fmt.Errorf("static token longer than %d characters", maxTokenLength)
		}
		return s, nil
	default:
		return "", fmt.Errorf("unknown token func %q", o.Func)
	}
}

func (o TokenOptions) intArg(def int) (int, error) {
	if len(o.Args) == 0 {
		return def, nil
	}

	var n int
	switch v := o.Args[0].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s token length must be an integer", o.Func)
		}
		n = int(v)
	default:
		return 0, fmt.Errorf("%s token length must be a number, got %T", o.Func, v)
	}

	if n < 1 || n > maxTokenLength {
		return 0, fmt.Errorf("%s token length must be between 1 and %d", o.Func, maxTokenLength)
	}
	return n, nil
}

// Options are the creation options of a session, as sent in createSession.
type Options struct {
	Token            TokenOptions `json:"token"`
	MinPlayerNeeded  int          `json:"minPlayerNeeded,omitempty"`
	MaxPlayerAllowed int          `json:"maxPlayerAllowed,omitempty"`
	// Filter lists application message types that are never relayed to
	// peers.
	Filter     []string `json:"filter,omitempty"`
	ScriptName string   `json:"scriptName,omitempty"`
}

// withDefaults fills unset fields from d.
func (o Options) withDefaults(d Options) Options {
	if o.Token.Func == "" {
		o.Token = d.Token
	}
	if o.MinPlayerNeeded == 0 {
		o.MinPlayerNeeded = d.MinPlayerNeeded
	}
	if o.MaxPlayerAllowed == 0 {
		o.MaxPlayerAllowed = d.MaxPlayerAllowed
	}
	return o
}

// Validate checks the options for errors using criterio.
func (o Options) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if o.MinPlayerNeeded < 1 {
		errs = errs.Append("minPlayerNeeded", fmt.Errorf("must be at least 1"))
	}
	if o.MaxPlayerAllowed < 1 {
		errs = errs.Append("maxPlayerAllowed", fmt.Errorf("must be at least 1"))
	}
	if o.MinPlayerNeeded > o.MaxPlayerAllowed && o.MaxPlayerAllowed >= 1 {
		errs = errs.Append("minPlayerNeeded", fmt.Errorf("must not exceed maxPlayerAllowed (%d)", o.MaxPlayerAllowed))
	}
	if _, err := o.Token.Generate(); err != nil {
		errs = errs.Append("token", err)
	}
	for i, typ := range o.Filter {
		if strings.TrimSpace(typ) == "" {
			errs = errs.Append(fmt.Sprintf("filter[%d]", i), fmt.Errorf("message type is empty"))
		}
	}

	return errs.ToError()
}
