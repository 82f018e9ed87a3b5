// Package mention extracts @handle tokens from comment text and resolves
// them against the user directory.
package mention

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/a-essam23/go-taskhub/pkg/gateway"
)

var handlePattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// Mention is one @handle occurrence. Start and End are byte offsets of the
// whole token, '@' included.
type Mention struct {
	Handle string
	Start  int
	End    int
}

// Extract returns every @handle in text in order of appearance.
func Extract(text string) []Mention {
	locs := handlePattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Mention, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Mention{Handle: text[loc[2]:loc[3]], Start: loc[0], End: loc[1]})
	}
	return out
}

// Lookup is the subset of the gateway the resolver needs.
type Lookup interface {
	LookupUserByHandle(ctx context.Context, handle string) (gateway.Identity, bool, error)
}

type Resolver struct {
	lookup Lookup
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger, lookup Lookup) *Resolver {
	return &Resolver{
		lookup: lookup,
		logger: logger.With(slog.String("component", "mention")),
	}
}

// Resolve maps one handle to an identity; ok is false for unknown handles.
func (r *Resolver) Resolve(ctx context.Context, handle string) (gateway.Identity, bool, error) {
	id, ok, err := r.lookup.LookupUserByHandle(ctx, handle)
	if err != nil {
		return gateway.Identity{}, false, fmt.Errorf("lookup handle '%s': %w", handle, err)
	}
	return id, ok, nil
}

// ResolveText extracts and resolves every mention in text. Each handle is
// looked up once (case-insensitively), each user appears once, unknown
// handles are dropped, and authorID is never returned. A lookup error is
// logged and the handle skipped so one bad lookup does not hide the rest.
func (r *Resolver) ResolveText(ctx context.Context, text, authorID string) []gateway.Identity {
	mentions := Extract(text)
	if len(mentions) == 0 {
		return nil
	}

	seenHandles := make(map[string]struct{}, len(mentions))
	seenUsers := make(map[string]struct{}, len(mentions))
	var out []gateway.Identity
	for _, m := range mentions {
		key := strings.ToLower(m.Handle)
		if _, dup := seenHandles[key]; dup {
			continue
		}
		seenHandles[key] = struct{}{}

		id, ok, err := r.Resolve(ctx, m.Handle)
		if err != nil {
			r.logger.Warn("Mention lookup failed", slog.String("handle", m.Handle), slog.Any("error", err))
			continue
		}
		if !ok {
			r.logger.Debug("Dropping unknown mention", slog.String("handle", m.Handle))
			continue
		}
		if id.UserID == authorID {
			continue
		}
		if _, dup := seenUsers[id.UserID]; dup {
			continue
		}
		seenUsers[id.UserID] = struct{}{}
		out = append(out, id)
	}
	return out
}
