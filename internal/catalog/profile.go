package catalog

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/gateway"
)

// router side profile menus per service type
var profilePaths = map[string]string{
	domain.ServiceHotspot: "/ip/hotspot/user/profile",
	domain.ServicePPPoE:   "/ppp/profile",
}

var builtinProfiles = map[string]bool{
	"default":            true,
	"default-encryption": true,
}

// ProfilePath returns the router menu holding profiles of serviceType
func ProfilePath(serviceType string) (string, bool) {
	p, ok := profilePaths[serviceType]
	return p, ok
}

type routerProfile struct {
	ID             string `mapstructure:".id"`
	Name           string `mapstructure:"name"`
	RateLimit      string `mapstructure:"rate-limit"`
	SessionTimeout string `mapstructure:"session-timeout"`
	IdleTimeout    string `mapstructure:"idle-timeout"`
	SharedUsers    int    `mapstructure:"shared-users"`
}

func decodeProfiles(recs []gateway.Record) ([]routerProfile, error) {
	out := make([]routerProfile, 0, len(recs))
	for _, rec := range recs {
		var p routerProfile
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &p,
		})
		if err != nil {
			return nil, err
		}
		// shared-users may be "unlimited"
		if v, ok := rec["shared-users"].(string); ok && v == "unlimited" {
			rec = copyWithout(rec, "shared-users")
		}
		if err := dec.Decode(map[string]interface{}(rec)); err != nil {
			return nil, fmt.Errorf("decode profile %q: %w", rec.String("name"), err)
		}
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" || builtinProfiles[p.Name] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func copyWithout(rec gateway.Record, key string) gateway.Record {
	out := make(gateway.Record, len(rec))
	for k, v := range rec {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// newPackageFromProfile synthesizes a catalog row for a profile the catalog does not know
func newPackageFromProfile(routerID int64, serviceType string, p routerProfile) *domain.Package {
	pkg := &domain.Package{
		RouterID:    routerID,
		ServiceType: serviceType,
		Name:        p.Name,
		DisplayName: p.Name,
		SharedUsers: 1,
		SyncStatus:  domain.SyncStatusNewOnRouter,
	}
	if p.SharedUsers > 0 {
		pkg.SharedUsers = p.SharedUsers
	}
	var notes []string
	if rl, err := gateway.ParseRateLimit(p.RateLimit); err == nil {
		pkg.UploadKbps, pkg.DownloadKbps = rl.UploadKbps, rl.DownloadKbps
	} else {
		notes = append(notes, err.Error())
	}
	if m, err := gateway.DecodeDuration(p.SessionTimeout); err == nil {
		pkg.DurationMinutes = m
	} else {
		notes = append(notes, err.Error())
	}
	if m, err := gateway.DecodeDuration(p.IdleTimeout); err == nil {
		pkg.IdleTimeoutMinutes = m
	} else {
		notes = append(notes, err.Error())
	}
	pkg.SyncNote = strings.Join(notes, "; ")
	observe(pkg, p)
	return pkg
}

func observe(pkg *domain.Package, p routerProfile) {
	pkg.RouterRateLimit = p.RateLimit
	pkg.RouterSessionTimeout = p.SessionTimeout
	pkg.RouterIdleTimeout = p.IdleTimeout
	if p.ID != "" {
		id := p.ID
		pkg.RouterObjectID = &id
	}
}

// compare checks catalog values against the router profile after decoding.
// It returns the mismatches, empty when in sync. A router value that cannot be
// decoded is a mismatch only when it differs from the value observed on the
// previous run, otherwise it is reported through unresolved so the stored
// status and note are kept.
func compare(pkg *domain.Package, p routerProfile) (diffs []string, unresolved bool) {
	undecodable := func(observed, current string, err error) {
		if observed == current {
			unresolved = true
			return
		}
		diffs = append(diffs, err.Error())
	}

	rl, err := gateway.ParseRateLimit(p.RateLimit)
	switch {
	case err != nil:
		undecodable(pkg.RouterRateLimit, p.RateLimit, err)
	case rl.UploadKbps != pkg.UploadKbps || rl.DownloadKbps != pkg.DownloadKbps:
		diffs = append(diffs, fmt.Sprintf("rate-limit catalog %q router %q",
			gateway.FormatRateLimit(gateway.RateLimit{UploadKbps: pkg.UploadKbps, DownloadKbps: pkg.DownloadKbps}), p.RateLimit))
	}

	if m, err := gateway.DecodeDuration(p.SessionTimeout); err != nil {
		undecodable(pkg.RouterSessionTimeout, p.SessionTimeout, err)
	} else if m != pkg.DurationMinutes {
		diffs = append(diffs, fmt.Sprintf("session-timeout catalog %q router %q",
			gateway.EncodeDuration(pkg.DurationMinutes), p.SessionTimeout))
	}

	if m, err := gateway.DecodeDuration(p.IdleTimeout); err != nil {
		undecodable(pkg.RouterIdleTimeout, p.IdleTimeout, err)
	} else if m != pkg.IdleTimeoutMinutes {
		diffs = append(diffs, fmt.Sprintf("idle-timeout catalog %q router %q",
			gateway.EncodeDuration(pkg.IdleTimeoutMinutes), p.IdleTimeout))
	}
	return diffs, unresolved
}

// profileBody renders the router profile of a package. Zero values are
// unlimited and rendered as "none".
func profileBody(pkg *domain.Package) map[string]string {
	body := map[string]string{
		"name":            pkg.Name,
		"rate-limit":      gateway.FormatRateLimit(gateway.RateLimit{UploadKbps: pkg.UploadKbps, DownloadKbps: pkg.DownloadKbps}),
		"session-timeout": orNone(gateway.EncodeDuration(pkg.DurationMinutes)),
		"idle-timeout":    orNone(gateway.EncodeDuration(pkg.IdleTimeoutMinutes)),
	}
	if pkg.ServiceType == domain.ServiceHotspot && pkg.SharedUsers > 0 {
		body["shared-users"] = fmt.Sprintf("%d", pkg.SharedUsers)
	}
	return body
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
