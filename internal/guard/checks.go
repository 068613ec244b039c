package guard

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/outreach/internal/engagement"
)

// Policy identifiers recorded on every decision.
const (
	PolicyConsent     = "consent"
	PolicyRateLimit   = "rate_limit"
	PolicyOutstanding = "outstanding"
	PolicyDuplicate   = "duplicate"
	PolicyContent     = "content"
	PolicySpacing     = "proactive_spacing"
	PolicyIgnored     = "ignored_streak"
	PolicyTrust       = "trust"
)

// Deny reasons.
const (
	ReasonOptOut             = "opt_out"
	ReasonPaused             = "paused"
	ReasonUnknownContractor  = "unknown_contractor"
	ReasonRateLimited        = "rate_limited"
	ReasonTooManyOutstanding = "too_many_outstanding"
	ReasonDuplicate          = "duplicate"
	ReasonContentPolicy      = "content_policy"
	ReasonSpacing            = "spacing"
	ReasonIgnoredStreak      = "ignored_streak"
	ReasonLowTrust           = "low_trust"
)

// ClassMessageSend is the action class subject to proactive safeguards.
const ClassMessageSend = "message_send"

// ClassFollowupSchedule is the action class capped by live follow-ups.
const ClassFollowupSchedule = "followup_schedule"

// History is the snapshot a decision is made against.
type History struct {
	Known              bool
	State              engagement.State
	AllowedInWindow    int
	DuplicateInWindow  bool
	LastProactive      time.Time
	IgnoredStreak      int
	OutstandingActions int
}

type check struct {
	id  string
	run func(req Request, h History, p Policies, now time.Time) (string, bool)
}

// checks run in order; the first denial wins.
var checks = []check{
	{PolicyConsent, checkConsent},
	{PolicyRateLimit, checkRate},
	{PolicyOutstanding, checkOutstanding},
	{PolicyDuplicate, checkDuplicate},
	{PolicyContent, checkContent},
	{PolicySpacing, checkSpacing},
	{PolicyIgnored, checkIgnored},
	{PolicyTrust, checkTrust},
}

func checkConsent(_ Request, h History, _ Policies, now time.Time) (string, bool) {
	switch {
	case !h.Known:
		return ReasonUnknownContractor, false
	case h.State.OptedOut:
		return ReasonOptOut, false
	case h.State.Paused(now):
		return ReasonPaused, false
	}
	return "", true
}

func checkRate(req Request, h History, p Policies, _ time.Time) (string, bool) {
	limit, ok := p.RateLimits[req.ActionClass]
	if !ok {
		return "", true
	}
	if h.AllowedInWindow >= limit {
		return ReasonRateLimited, false
	}
	return "", true
}

func checkOutstanding(req Request, h History, p Policies, _ time.Time) (string, bool) {
	if req.ActionClass != ClassFollowupSchedule || p.MaxOutstanding <= 0 {
		return "", true
	}
	if h.OutstandingActions >= p.MaxOutstanding {
		return ReasonTooManyOutstanding, false
	}
	return "", true
}

func checkDuplicate(req Request, h History, _ Policies, _ time.Time) (string, bool) {
	if req.Target != "" && h.DuplicateInWindow {
		return ReasonDuplicate, false
	}
	return "", true
}

func checkContent(req Request, _ History, p Policies, _ time.Time) (string, bool) {
	if req.Content == "" {
		return "", true
	}
	if p.MaxContentLength > 0 && utf8.RuneCountInString(req.Content) > p.MaxContentLength {
		return ReasonContentPolicy, false
	}
	lower := strings.ToLower(req.Content)
	for _, phrase := range p.BannedPhrases {
		if strings.Contains(lower, phrase) {
			return ReasonContentPolicy, false
		}
	}
	return "", true
}

func proactiveSend(req Request) bool {
	return req.Proactive && req.ActionClass == ClassMessageSend
}

func checkSpacing(req Request, h History, p Policies, now time.Time) (string, bool) {
	if !proactiveSend(req) || h.LastProactive.IsZero() {
		return "", true
	}
	if now.Sub(h.LastProactive) < p.MinProactiveSpacing {
		return ReasonSpacing, false
	}
	return "", true
}

func checkIgnored(req Request, h History, p Policies, now time.Time) (string, bool) {
	if !proactiveSend(req) || p.MaxIgnoredInRow <= 0 {
		return "", true
	}
	if h.IgnoredStreak >= p.MaxIgnoredInRow && now.Sub(h.LastProactive) < p.IgnoredPause {
		return ReasonIgnoredStreak, false
	}
	return "", true
}

func checkTrust(req Request, h History, p Policies, _ time.Time) (string, bool) {
	if !proactiveSend(req) {
		return "", true
	}
	if h.State.TrustScore < p.MinTrustScore {
		return ReasonLowTrust, false
	}
	return "", true
}
