// Package orgcontext carries the organization a request is scoped to.
// Invoice reads and writes refuse to run without one.
package orgcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/clientdesk/internal/observability/context"
)

type orgKey struct{}

// WithOrgID scopes ctx to orgID and labels its log lines with it.
func WithOrgID(ctx context.Context, orgID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, orgKey{}, orgID)
	return obscontext.WithOrgID(ctx, orgID.String())
}

// OrgIDFromContext returns the scoping organization. A zero id counts as unset.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	orgID, ok := ctx.Value(orgKey{}).(snowflake.ID)
	if !ok || orgID <= 0 {
		return 0, false
	}
	return orgID, true
}
