package models

// RouteClass classifies a request path using static configuration only.
type RouteClass string

const (
	RouteAPIAuth   RouteClass = "api_auth"
	RouteAuth      RouteClass = "auth"
	RouteProtected RouteClass = "protected"
)

// DecisionKind is the outcome of the route guard.
type DecisionKind string

const (
	DecisionAllow    DecisionKind = "allow"
	DecisionRedirect DecisionKind = "redirect"
)

// Decision is either Allow or RedirectTo(Target).
type Decision struct {
	Kind   DecisionKind
	Target string
}

// Allow lets the request through.
func Allow() Decision {
	return Decision{Kind: DecisionAllow}
}

// RedirectTo sends the caller to target.
func RedirectTo(target string) Decision {
	return Decision{Kind: DecisionRedirect, Target: target}
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Kind == DecisionAllow
}
