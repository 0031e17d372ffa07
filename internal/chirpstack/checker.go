package chirpstack

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"lorahub/internal/config"
)

// Finding is the outcome of one check.
type Finding struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// API is the part of Client the checker needs.
type API interface {
	ListGateways(ctx context.Context, tenantID string) ([]Gateway, error)
	ListDeviceProfiles(ctx context.Context, tenantID string) ([]DeviceProfile, error)
}

// Checker verifies a local ChirpStack installation: web UI, API,
// gateway liveness and the region plan of the device profiles.
type Checker struct {
	web      *resty.Client
	webURL   string
	api      API
	tenantID string
	region   string
}

// NewChecker creates a checker. api may be nil when no server URL is configured.
func NewChecker(cfg config.ChirpStackConfig, api API) *Checker {
	return &Checker{
		web:      resty.New().SetTimeout(5 * time.Second),
		webURL:   cfg.WebURL,
		api:      api,
		tenantID: cfg.TenantID,
		region:   cfg.Region,
	}
}

// Run executes every check and returns the findings in order.
func (c *Checker) Run(ctx context.Context) []Finding {
	findings := []Finding{c.checkWeb(ctx)}

	if c.api == nil {
		return append(findings, Finding{Check: "api", Detail: "CHIRPSTACK_SERVER_URL or CHIRPSTACK_API_KEY not set"})
	}

	gws, err := c.api.ListGateways(ctx, c.tenantID)
	if err != nil {
		return append(findings, Finding{Check: "api", Detail: err.Error()})
	}
	findings = append(findings, Finding{Check: "api", OK: true, Detail: fmt.Sprintf("%d gateway(s)", len(gws))})
	findings = append(findings, GatewayFindings(gws, time.Now())...)

	profiles, err := c.api.ListDeviceProfiles(ctx, c.tenantID)
	if err != nil {
		return append(findings, Finding{Check: "device_profiles", Detail: err.Error()})
	}
	return append(findings, RegionFindings(profiles, c.region)...)
}

// OK reports whether every finding passed.
func OK(findings []Finding) bool {
	for _, f := range findings {
		if !f.OK {
			return false
		}
	}
	return true
}

func (c *Checker) checkWeb(ctx context.Context) Finding {
	f := Finding{Check: "web_ui"}
	if c.webURL == "" {
		f.Detail = "CHIRPSTACK_WEB_URL not set"
		return f
	}
	resp, err := c.web.R().SetContext(ctx).Get(c.webURL)
	if err != nil {
		f.Detail = err.Error()
		return f
	}
	f.Detail = fmt.Sprintf("%s answered %d", c.webURL, resp.StatusCode())
	f.OK = !resp.IsError()
	return f
}

// GatewayFindings reports one finding per gateway; only ONLINE gateways pass.
func GatewayFindings(gws []Gateway, now time.Time) []Finding {
	if len(gws) == 0 {
		return []Finding{{Check: "gateways", Detail: "no gateways registered"}}
	}
	out := make([]Finding, 0, len(gws))
	for _, g := range gws {
		f := Finding{Check: "gateway:" + g.ID, OK: g.State == "ONLINE", Detail: g.State}
		if !g.LastSeen.IsZero() {
			f.Detail += fmt.Sprintf(", last seen %s ago", now.Sub(g.LastSeen).Round(time.Second))
		}
		if g.Name != "" {
			f.Detail = g.Name + ": " + f.Detail
		}
		out = append(out, f)
	}
	return out
}

// RegionFindings checks that every device profile uses the configured region plan.
func RegionFindings(profiles []DeviceProfile, region string) []Finding {
	want, err := ParseRegion(region)
	if err != nil {
		return []Finding{{Check: "region", Detail: err.Error()}}
	}
	if len(profiles) == 0 {
		return []Finding{{Check: "region", Detail: "no device profiles"}}
	}
	out := make([]Finding, 0, len(profiles))
	for _, p := range profiles {
		f := Finding{Check: "region:" + p.Name, OK: p.Region == want.String()}
		if f.OK {
			f.Detail = p.Region
		} else {
			f.Detail = fmt.Sprintf("profile uses %s, gateway configured for %s", p.Region, want)
		}
		out = append(out, f)
	}
	return out
}
