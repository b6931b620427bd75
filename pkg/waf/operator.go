package waf

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

type operator struct {
	name   string
	arg    string
	negate bool
	match  func(string) bool
}

func (o *operator) eval(v string) bool {
	return o.match(v) != o.negate
}

func (o *operator) String() string {
	neg := ""
	if o.negate {
		neg = "!"
	}
	return fmt.Sprintf("%s@%s %s", neg, o.name, o.arg)
}

// parseOperator compiles expressions like "@rx ^/admin", "!@streq GET" or a
// bare regular expression.
func parseOperator(expr string) (*operator, error) {
	op := &operator{}
	if strings.HasPrefix(expr, "!") {
		op.negate = true
		expr = expr[1:]
	}
	if !strings.HasPrefix(expr, "@") {
		op.name, op.arg = "rx", expr
	} else {
		name, arg, _ := strings.Cut(expr[1:], " ")
		op.name, op.arg = name, strings.TrimSpace(arg)
	}

	arg := op.arg
	switch op.name {
	case "rx":
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("operator rx: %w", err)
		}
		op.match = re.MatchString
	case "streq":
		op.match = func(v string) bool { return v == arg }
	case "contains":
		op.match = func(v string) bool { return strings.Contains(v, arg) }
	case "beginsWith":
		op.match = func(v string) bool { return strings.HasPrefix(v, arg) }
	case "endsWith":
		op.match = func(v string) bool { return strings.HasSuffix(v, arg) }
	case "within":
		op.match = func(v string) bool { return v != "" && strings.Contains(arg, v) }
	case "pm":
		phrases := strings.Fields(strings.ToLower(arg))
		if len(phrases) == 0 {
			return nil, fmt.Errorf("operator pm: no phrases")
		}
		op.match = func(v string) bool {
			v = strings.ToLower(v)
			for _, p := range phrases {
				if strings.Contains(v, p) {
					return true
				}
			}
			return false
		}
	case "ipMatch":
		nets, err := parseNets(arg)
		if err != nil {
			return nil, fmt.Errorf("operator ipMatch: %w", err)
		}
		op.match = func(v string) bool {
			ip := net.ParseIP(v)
			if ip == nil {
				return false
			}
			for _, n := range nets {
				if n.Contains(ip) {
					return true
				}
			}
			return false
		}
	case "eq", "gt", "lt", "ge", "le":
		want, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", op.name, err)
		}
		cmp := op.name
		op.match = func(v string) bool {
			got, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return false
			}
			switch cmp {
			case "eq":
				return got == want
			case "gt":
				return got > want
			case "lt":
				return got < want
			case "ge":
				return got >= want
			}
			return got <= want
		}
	case "unconditionalMatch":
		op.match = func(string) bool { return true }
	default:
		return nil, fmt.Errorf("unknown operator @%s", op.name)
	}
	return op, nil
}

func parseNets(arg string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, s := range strings.Split(arg, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
				s += "/32"
			} else {
				s += "/128"
			}
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	if len(nets) == 0 {
		return nil, fmt.Errorf("no networks")
	}
	return nets, nil
}
