package cel

import (
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// NewClassifierEnvironment creates the CEL environment for actor
// classification rules. It exposes:
//   - identifier: the full identifier ("user:alice", "ip:203.0.113.5")
//   - user: the user id, empty for ip callers
//   - ip: the address, empty for user callers
//   - roles: the caller's roles
//   - endpoint: the normalized route, possibly empty
//   - request_time: the evaluation time
//   - functions: glob(pattern, s), ip_in_cidr(ip, cidr)
func NewClassifierEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("identifier", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		// glob: shell pattern matching.
		// Usage: glob("/api/v2/admin/*", endpoint)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr: checks if an IP is within a CIDR range.
		// Usage: ip_in_cidr(ip, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ip := net.ParseIP(ipVal.Value().(string))
					if ip == nil {
						return types.Bool(false)
					}
					_, network, err := net.ParseCIDR(cidrVal.Value().(string))
					if err != nil {
						return types.Bool(false)
					}
					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// BuildActivation creates the CEL activation for req.
func BuildActivation(req ratelimit.Request) map[string]any {
	id := strings.TrimSpace(req.Identifier)
	user, _ := strings.CutPrefix(id, "user:")
	if user == id {
		user = ""
	}
	ip, _ := strings.CutPrefix(id, "ip:")
	if ip == id {
		ip = ""
	}

	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	return map[string]any{
		"identifier":   id,
		"user":         user,
		"ip":           ip,
		"roles":        roles,
		"endpoint":     req.Endpoint,
		"request_time": now,
	}
}
