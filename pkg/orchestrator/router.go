package orchestrator

import (
	"context"
	"strings"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
)

// RouteFunc picks the unit for a request by name.
type RouteFunc func(rc agent.Context) string

// Router runs a classifier unit, then dispatches to the unit registered for
// its label. Labels with no route, and classifier failures, go to Default.
type Router struct {
	classifier string
	routes     map[string]string
	route      RouteFunc
	fallback   string
	logger     *logx.Logger
}

// NewRouter creates a classifier-driven router. Route keys are matched
// case-insensitively.
func NewRouter(classifier string, routes map[string]string, defaultUnit string) *Router {
	normalized := make(map[string]string, len(routes))
	for label, unit := range routes {
		normalized[strings.ToLower(strings.TrimSpace(label))] = unit
	}
	return &Router{
		classifier: classifier,
		routes:     normalized,
		fallback:   defaultUnit,
		logger:     logx.NewLogger("router"),
	}
}

// NewRouterFunc creates a router that asks fn for the unit name instead of
// running a classifier.
func NewRouterFunc(fn RouteFunc, defaultUnit string) *Router {
	return &Router{route: fn, fallback: defaultUnit, logger: logx.NewLogger("router")}
}

func (r *Router) Name() string { return "router" }

// Label extracts the routing label from a classifier result: the "label"
// metadata when present, else the trimmed lower-cased output.
func Label(res agent.Result) string {
	if l := res.MetaString(agent.MetaLabel); l != "" {
		return strings.ToLower(strings.TrimSpace(l))
	}
	return strings.ToLower(strings.TrimSpace(res.Output))
}

// resolve picks the target unit. It only fails when neither the routed unit
// nor the default exists, or when the context ended during classification.
func (r *Router) resolve(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Agent, string, agent.Result, error) {
	if len(units) == 0 {
		return nil, "", agent.Result{}, ErrNoUnits
	}

	var (
		label      string
		target     string
		classified agent.Result
	)
	switch {
	case r.route != nil:
		target = r.route(rc)
		label = target
	default:
		cu, err := find(units, r.classifier)
		if err != nil {
			return nil, "", agent.Result{}, err
		}
		res, err := invoke(ctx, cu, rc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", agent.Result{}, ctx.Err()
			}
			r.logger.Warn("classifier %s failed, routing to %s: %v", r.classifier, r.fallback, err)
		} else {
			classified = res
			label = Label(res)
			target = r.routes[label]
		}
	}

	if target == "" {
		target = r.fallback
	}
	u, err := find(units, target)
	if err != nil && target != r.fallback {
		logx.Debug(ctx, "router", "route %q names unknown unit %s, using %s", label, target, r.fallback)
		u, err = find(units, r.fallback)
	}
	if err != nil {
		return nil, "", agent.Result{}, err
	}
	logx.Debug(ctx, "router", "label %q -> %s", label, u.Name())
	return u, label, classified, nil
}

func (r *Router) Execute(ctx context.Context, units []agent.Agent, rc agent.Context) (agent.Result, error) {
	u, label, classified, err := r.resolve(ctx, units, rc)
	if err != nil {
		return agent.Result{}, err
	}
	if label != "" {
		rc = rc.WithMetadata(agent.MetaLabel, label)
	}
	res, err := invoke(ctx, u, rc)
	if err != nil {
		return res, err
	}
	res.Usage = sumUsage(classified, res)
	if label != "" {
		res.Metadata = withMeta(res.Metadata, agent.MetaLabel, label)
	}
	return res, nil
}

// ExecuteStream classifies first, then streams the routed unit.
func (r *Router) ExecuteStream(ctx context.Context, units []agent.Agent, rc agent.Context) (<-chan agent.StreamChunk, error) {
	u, label, _, err := r.resolve(ctx, units, rc)
	if err != nil {
		return nil, err
	}
	if label != "" {
		rc = rc.WithMetadata(agent.MetaLabel, label)
	}
	return streamUnit(ctx, u, rc)
}
