// Package interceptor rewrites a small set of gam commands before they reach
// an execution backend. The only rule today targets "info user" with no
// explicit target, which gam would otherwise resolve against the service
// account rather than the person driving the session.
package interceptor

import "strings"

// Rewrite returns the command to execute in place of the submitted one.
// Both "gam info user" and the bare "info user" form get the principal
// appended; a command naming an explicit target passes through unchanged,
// as do commands that match no rule, including ones that would later fail
// validation.
func Rewrite(command, principal string) string {
	if principal == "" {
		return command
	}

	fields := strings.Fields(command)
	if len(fields) > 0 && strings.EqualFold(fields[0], "gam") {
		fields = fields[1:]
	}
	if len(fields) != 2 ||
		!strings.EqualFold(fields[0], "info") ||
		!strings.EqualFold(fields[1], "user") {
		return command
	}

	return strings.TrimSpace(command) + " " + principal
}
