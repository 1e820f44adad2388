// Package selector evaluates message selectors for brokers that have no
// selector language of their own.
//
// A selector is an expr-lang expression that must evaluate to a bool. The
// environment exposes id, timestamp, redelivered, body, headers (a map of
// all properties) and every property whose name is a valid identifier:
//
//	priority > 4 && headers["X-Tenant"] == "acme"
package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/glimte/queuegate/broker"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reserved = map[string]bool{
	"id": true, "timestamp": true, "redelivered": true, "body": true, "headers": true,
}

// Selector is a compiled selector expression.
type Selector struct {
	source  string
	program *vm.Program
}

// Compile compiles expression. An empty or blank expression yields a nil
// Selector, which matches every message.
func Compile(expression string) (*Selector, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", broker.ErrInvalidSelector, expression, err)
	}
	return &Selector{source: expression, program: program}, nil
}

// String returns the selector source.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Matches evaluates the selector against msg.
func (s *Selector) Matches(msg *broker.Message) (bool, error) {
	if s == nil {
		return true, nil
	}
	if msg == nil {
		return false, nil
	}

	out, err := expr.Run(s.program, env(msg))
	if err != nil {
		return false, fmt.Errorf("%w: evaluate %q: %v", broker.ErrInvalidSelector, s.source, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", broker.ErrInvalidSelector, s.source, out)
	}
	return matched, nil
}

func env(msg *broker.Message) map[string]any {
	headers := make(map[string]any, len(msg.Properties))
	vars := make(map[string]any, len(msg.Properties)+5)
	for k, v := range msg.Properties {
		headers[k] = v
		if identifier.MatchString(k) && !reserved[k] {
			vars[k] = v
		}
	}
	vars["id"] = msg.ID
	vars["timestamp"] = msg.Timestamp
	vars["redelivered"] = msg.Redelivered
	vars["body"] = string(msg.Body)
	vars["headers"] = headers
	return vars
}
