// Package rule implements the declarative FlexiRule engine: a condition
// grammar, weighted entry/exit rule evaluation, and the per-(symbol,
// strategy) position state machine that turns indicator snapshots into
// trading signals.
package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// Term is a single comparison `identifier op (identifier|number)`, or a
// bare identifier used as a boolean pattern flag.
type Term struct {
	LHS         string
	Op          string // ">", "<", ">=", "<=", "=", "!=", or "" for a bare identifier
	RHSIdent    string
	RHSNumber   float64
	RHSIsNumber bool
}

// Condition is a left-to-right, equal-precedence chain of terms joined
// by "and"/"or". Per the grammar, and does not bind tighter than or:
// both combinators reduce strictly left to right.
type Condition struct {
	Raw   string
	Terms []Term
	Ops   []string // len(Ops) == len(Terms)-1, each "and" or "or"
}

var opTokens = []string{">=", "<=", "!=", "=", ">", "<"}

// ParseCondition tokenizes and parses a condition string into an AST.
// Parsing happens once at strategy load; evaluation is pure and cheap
// enough to run on every candle.
func ParseCondition(s string) (*Condition, error) {
	tokens, err := tokenizeCondition(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("rule: empty condition")
	}

	cond := &Condition{Raw: s}
	i := 0
	for i < len(tokens) {
		term, consumed, err := parseTerm(tokens[i:])
		if err != nil {
			return nil, fmt.Errorf("rule: condition %q: %w", s, err)
		}
		cond.Terms = append(cond.Terms, term)
		i += consumed

		if i >= len(tokens) {
			break
		}
		conn := strings.ToLower(tokens[i])
		if conn != "and" && conn != "or" {
			return nil, fmt.Errorf("rule: condition %q: expected \"and\"/\"or\", got %q", s, tokens[i])
		}
		cond.Ops = append(cond.Ops, conn)
		i++
	}

	if len(cond.Ops) != len(cond.Terms)-1 {
		return nil, fmt.Errorf("rule: condition %q: malformed term/connector sequence", s)
	}
	return cond, nil
}

// parseTerm consumes either "ident op ident|number" (3 tokens) or a bare
// "ident" (1 token, a pattern flag) from the front of tokens.
func parseTerm(tokens []string) (Term, int, error) {
	if len(tokens) == 0 {
		return Term{}, 0, fmt.Errorf("expected a term")
	}

	lhs := tokens[0]
	if !isIdentifier(lhs) {
		return Term{}, 0, fmt.Errorf("expected identifier, got %q", lhs)
	}

	if len(tokens) == 1 || isConnector(tokens[1]) {
		return Term{LHS: lhs}, 1, nil
	}

	if len(tokens) < 3 {
		return Term{}, 0, fmt.Errorf("incomplete comparison after %q", lhs)
	}
	op := tokens[1]
	if !isOp(op) {
		return Term{}, 0, fmt.Errorf("expected comparison operator, got %q", op)
	}

	rhs := tokens[2]
	if n, err := strconv.ParseFloat(rhs, 64); err == nil {
		return Term{LHS: lhs, Op: op, RHSNumber: n, RHSIsNumber: true}, 3, nil
	}
	if !isIdentifier(rhs) {
		return Term{}, 0, fmt.Errorf("expected identifier or number, got %q", rhs)
	}
	return Term{LHS: lhs, Op: op, RHSIdent: rhs}, 3, nil
}

func isConnector(tok string) bool {
	lower := strings.ToLower(tok)
	return lower == "and" || lower == "or"
}

func isOp(tok string) bool {
	for _, o := range opTokens {
		if tok == o {
			return true
		}
	}
	return false
}

func isIdentifier(tok string) bool {
	if tok == "" {
		return false
	}
	for i, r := range tok {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// tokenizeCondition splits a condition string into identifier, number,
// operator, and "and"/"or" tokens, accepting operators either
// whitespace-separated or glued to their operands (e.g. "close>=100" and
// "close >= 100" both tokenize identically).
func tokenizeCondition(s string) ([]string, error) {
	var tokens []string
	i := 0
	n := len(s)

	for i < n {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++

		case matchesOpAt(s, i) != "":
			op := matchesOpAt(s, i)
			tokens = append(tokens, op)
			i += len(op)

		case isIdentChar(c) || c == '.' || c == '-':
			start := i
			for i < n && (isIdentChar(s[i]) || s[i] == '.' || (i == start && s[i] == '-')) {
				i++
			}
			tokens = append(tokens, s[start:i])

		default:
			return nil, fmt.Errorf("rule: condition %q: unexpected character %q", s, string(c))
		}
	}
	return tokens, nil
}

func matchesOpAt(s string, i int) string {
	for _, op := range opTokens {
		if strings.HasPrefix(s[i:], op) {
			return op
		}
	}
	return ""
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// Eval evaluates the condition against ctx, reducing "and"/"or" strictly
// left to right with equal precedence.
func (c *Condition) Eval(ctx EvalContext) bool {
	result := evalTerm(c.Terms[0], ctx)
	for i, op := range c.Ops {
		rhs := evalTerm(c.Terms[i+1], ctx)
		if op == "and" {
			result = result && rhs
		} else {
			result = result || rhs
		}
	}
	return result
}

func evalTerm(t Term, ctx EvalContext) bool {
	lv, lIsBool, lBool, lok := ctx.ResolveLHS(t.LHS)
	if !lok {
		return false
	}

	if t.Op == "" {
		// Bare identifier: truthy if it's the boolean literal true, or a
		// nonzero numeric value.
		if lIsBool {
			return lBool
		}
		return lv != 0
	}

	var rv float64
	var rIsBool, rBool, rok bool
	if t.RHSIsNumber {
		rv, rok = t.RHSNumber, true
	} else {
		rv, rIsBool, rBool, rok = ctx.ResolveRHS(t.RHSIdent)
	}
	if !rok {
		return false
	}

	if lIsBool || rIsBool {
		lb := lBool
		if !lIsBool {
			lb = lv != 0
		}
		rb := rBool
		if !rIsBool {
			rb = rv != 0
		}
		switch t.Op {
		case "=":
			return lb == rb
		case "!=":
			return lb != rb
		default:
			return false // ordering operators are meaningless on booleans
		}
	}

	switch t.Op {
	case ">":
		return lv > rv
	case "<":
		return lv < rv
	case ">=":
		return lv >= rv
	case "<=":
		return lv <= rv
	case "=":
		return lv == rv
	case "!=":
		return lv != rv
	default:
		return false
	}
}
