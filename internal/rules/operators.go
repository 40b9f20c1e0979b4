package rules

import (
	"strconv"
	"strings"

	"tangled.org/arabica.social/murmur/internal/models"
)

// value is an attribute reading: either a string or a number
type value struct {
	str     string
	num     float64
	numeric bool
}

// operatorSpec describes how an operator is validated and applied.
// Guarded operators run under the per-condition budget.
type operatorSpec struct {
	numericOnly bool
	stringOnly  bool
	guarded     bool
	negated     bool
	match       func(v value, c *condition) bool
}

// operatorTable dispatches every supported operator. Rules are data; adding
// an operator means adding an entry here.
var operatorTable = map[models.Operator]operatorSpec{
	models.OpEquals:     {match: matchEquals},
	models.OpNotEquals:  {match: matchEquals, negated: true},
	models.OpContains:   {stringOnly: true, match: matchContains},
	models.OpNotContain: {stringOnly: true, match: matchContains, negated: true},
	models.OpStartsWith: {stringOnly: true, match: matchStartsWith},
	models.OpEndsWith:   {stringOnly: true, match: matchEndsWith},
	models.OpGT:         {numericOnly: true, match: func(v value, c *condition) bool { return v.num > c.num }},
	models.OpGTE:        {numericOnly: true, match: func(v value, c *condition) bool { return v.num >= c.num }},
	models.OpLT:         {numericOnly: true, match: func(v value, c *condition) bool { return v.num < c.num }},
	models.OpLTE:        {numericOnly: true, match: func(v value, c *condition) bool { return v.num <= c.num }},
	models.OpBetween:    {numericOnly: true, match: func(v value, c *condition) bool { return v.num >= c.lo && v.num <= c.hi }},
	models.OpRegex:      {stringOnly: true, guarded: true, match: matchRegex},
	models.OpIn:         {match: matchIn},
}

func (c *condition) fold(s string) string {
	if c.spec.CaseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func matchEquals(v value, c *condition) bool {
	if c.re != nil {
		return c.re.MatchString(v.str)
	}
	if v.numeric {
		return v.num == c.num
	}
	return c.fold(v.str) == c.str
}

func matchContains(v value, c *condition) bool {
	if c.re != nil {
		return c.re.MatchString(v.str)
	}
	return strings.Contains(c.fold(v.str), c.str)
}

func matchStartsWith(v value, c *condition) bool {
	if c.re != nil {
		return c.re.MatchString(v.str)
	}
	return strings.HasPrefix(c.fold(v.str), c.str)
}

func matchEndsWith(v value, c *condition) bool {
	if c.re != nil {
		return c.re.MatchString(v.str)
	}
	return strings.HasSuffix(c.fold(v.str), c.str)
}

func matchRegex(v value, c *condition) bool {
	if c.re == nil {
		return false
	}
	return c.re.MatchString(v.str)
}

func matchIn(v value, c *condition) bool {
	for _, item := range c.list {
		if v.numeric {
			if n, err := strconv.ParseFloat(item, 64); err == nil && n == v.num {
				return true
			}
			continue
		}
		if c.fold(v.str) == item {
			return true
		}
	}
	return false
}

// regexPattern wraps a condition value so string operators keep their
// anchoring semantics when IsRegex is set
func regexPattern(op models.Operator, raw string, caseSensitive bool) string {
	p := raw
	switch op {
	case models.OpEquals, models.OpNotEquals:
		p = "^(?:" + raw + ")$"
	case models.OpStartsWith:
		p = "^(?:" + raw + ")"
	case models.OpEndsWith:
		p = "(?:" + raw + ")$"
	}
	if !caseSensitive {
		p = "(?i)" + p
	}
	return p
}
