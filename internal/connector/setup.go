package connector

import (
	"context"

	"github.com/sweeney/asterisk-monitor/internal/ami"
)

// configureEvents applies the event mask and server side filters after
// login. Failures are logged and otherwise ignored.
func (s *Session) configureEvents(ctx context.Context) {
	if s.cfg.EventMask != "" {
		if !s.SendSimpleRequest(ctx, ami.NewAction("Events", "EventMask", s.cfg.EventMask)) {
			s.log.Warn().Str("mask", s.cfg.EventMask).Msg("cannot set event mask")
		}
	}
	for _, f := range s.cfg.EventFilters {
		if !s.SendSimpleRequest(ctx, ami.NewAction("Filter", "Operation", "Add", "Filter", f)) {
			s.log.Warn().Str("filter", f).Msg("cannot add event filter")
		}
	}
}
