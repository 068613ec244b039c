package guard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/outreach/config"
	"gopkg.in/yaml.v3"
)

// Policies are the thresholds every check reads. They come from config and may
// be overlaid by a YAML policy file so operators can tighten limits without a
// redeploy.
type Policies struct {
	RateLimits        map[string]int
	RateWindow        time.Duration
	DuplicateLookback time.Duration
	MaxContentLength  int
	BannedPhrases     []string
	MaxOutstanding    int

	MinProactiveSpacing time.Duration
	MaxIgnoredInRow     int
	IgnoredPause        time.Duration
	MinTrustScore       int
	ComplaintPause      time.Duration
}

// defaultMaxOutstanding caps live follow-ups per contractor.
const defaultMaxOutstanding = 25

// PoliciesFromConfig converts normalized config sections into Policies.
func PoliciesFromConfig(g config.GuardConfig, s config.SafeguardsConfig) Policies {
	g = g.Normalize()
	s = s.Normalize()
	limits := make(map[string]int, len(g.RateLimits))
	for k, v := range g.RateLimits {
		limits[k] = v
	}
	return Policies{
		RateLimits:          limits,
		RateWindow:          g.RateWindow,
		DuplicateLookback:   g.DuplicateLookback,
		MaxContentLength:    g.MaxContentLength,
		BannedPhrases:       append([]string(nil), g.BannedPhrases...),
		MaxOutstanding:      defaultMaxOutstanding,
		MinProactiveSpacing: time.Duration(s.MinHoursBetweenProactive) * time.Hour,
		MaxIgnoredInRow:     s.MaxIgnoredInRow,
		IgnoredPause:        time.Duration(s.IgnoredPauseDays) * 24 * time.Hour,
		MinTrustScore:       s.MinTrustScore,
		ComplaintPause:      time.Duration(s.ComplaintPauseDays) * 24 * time.Hour,
	}
}

// policyFile mirrors the YAML overlay. Unset fields keep the config value.
type policyFile struct {
	RateLimits        map[string]int `yaml:"rate_limits"`
	RateWindow        string         `yaml:"rate_window"`
	DuplicateLookback string         `yaml:"duplicate_lookback"`
	MaxContentLength  int            `yaml:"max_content_length"`
	BannedPhrases     []string       `yaml:"banned_phrases"`
	MaxOutstanding    int            `yaml:"max_outstanding"`
	Safeguards        struct {
		MinHoursBetweenProactive int  `yaml:"min_hours_between_proactive"`
		MaxIgnoredInRow          int  `yaml:"max_ignored_in_row"`
		IgnoredPauseDays         int  `yaml:"ignored_pause_days"`
		MinTrustScore            *int `yaml:"min_trust_score"`
		ComplaintPauseDays       int  `yaml:"complaint_pause_days"`
	} `yaml:"safeguards"`
}

// LoadPolicyFile overlays the YAML document at path onto base.
func LoadPolicyFile(path string, base Policies) (Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy overlays a YAML policy document onto base.
func ParsePolicy(data []byte, base Policies) (Policies, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return base, fmt.Errorf("parse policy: %w", err)
	}
	out := base
	out.RateLimits = make(map[string]int, len(base.RateLimits)+len(doc.RateLimits))
	for k, v := range base.RateLimits {
		out.RateLimits[k] = v
	}
	for k, v := range doc.RateLimits {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if v < 0 {
			return base, fmt.Errorf("parse policy: rate_limits.%s cannot be negative", k)
		}
		out.RateLimits[k] = v
	}
	if doc.RateWindow != "" {
		d, err := time.ParseDuration(doc.RateWindow)
		if err != nil || d <= 0 {
			return base, fmt.Errorf("parse policy: invalid rate_window %q", doc.RateWindow)
		}
		out.RateWindow = d
	}
	if doc.DuplicateLookback != "" {
		d, err := time.ParseDuration(doc.DuplicateLookback)
		if err != nil || d <= 0 {
			return base, fmt.Errorf("parse policy: invalid duplicate_lookback %q", doc.DuplicateLookback)
		}
		out.DuplicateLookback = d
	}
	if doc.MaxContentLength > 0 {
		out.MaxContentLength = doc.MaxContentLength
	}
	if doc.MaxOutstanding > 0 {
		out.MaxOutstanding = doc.MaxOutstanding
	}
	for _, p := range doc.BannedPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out.BannedPhrases = append(out.BannedPhrases, p)
		}
	}
	sg := doc.Safeguards
	if sg.MinHoursBetweenProactive > 0 {
		out.MinProactiveSpacing = time.Duration(sg.MinHoursBetweenProactive) * time.Hour
	}
	if sg.MaxIgnoredInRow > 0 {
		out.MaxIgnoredInRow = sg.MaxIgnoredInRow
	}
	if sg.IgnoredPauseDays > 0 {
		out.IgnoredPause = time.Duration(sg.IgnoredPauseDays) * 24 * time.Hour
	}
	if sg.MinTrustScore != nil {
		out.MinTrustScore = *sg.MinTrustScore
	}
	if sg.ComplaintPauseDays > 0 {
		out.ComplaintPause = time.Duration(sg.ComplaintPauseDays) * 24 * time.Hour
	}
	return out, nil
}
