package logx

import (
	"context"

	"pkt.systems/pslog"

	"github.com/Rushilwiz/director4/schema"
)

type contextKey int

const siteKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSite annotates the logger with the site id if present.
func WithSite(ctx context.Context, siteID schema.SiteID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if siteID != "" {
		if current, ok := ctx.Value(siteKey).(schema.SiteID); ok && current == siteID {
			return log
		}
		log = log.With("site", siteID)
	}
	return log
}

// WithInstance annotates the logger with site and process instance ids.
func WithInstance(ctx context.Context, siteID schema.SiteID, instanceID string) pslog.Logger {
	log := WithSite(ctx, siteID)
	if instanceID != "" {
		log = log.With("instance", instanceID)
	}
	return log
}

// ContextWithSite stores the site marker on the context for log
// de-duplication.
func ContextWithSite(ctx context.Context, siteID schema.SiteID) context.Context {
	if ctx == nil || siteID == "" {
		return ctx
	}
	return context.WithValue(ctx, siteKey, siteID)
}

// ContextWithSiteLogger attaches the logger and site marker to the context.
func ContextWithSiteLogger(ctx context.Context, log pslog.Logger, siteID schema.SiteID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSite(ctx, siteID)
}
