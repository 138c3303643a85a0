package credbundle

import (
	"crypto/x509"
	"fmt"
	"sort"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile represents a parsed .mobileprovision file
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile parses a .mobileprovision file
// The file is a CMS (PKCS#7) signed container with a plist payload
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}

	return &profile, nil
}

// Profile interprets the bundle's entitlement document as a provisioning
// profile. The container itself treats the document as opaque bytes, so
// this fails for bundles carrying some other kind of document.
func (b *Bundle) Profile() (*ProvisioningProfile, error) {
	profile, err := ParseProvisioningProfile(b.entitlementDocument)
	if err != nil {
		return nil, fieldErr("profile", fieldEntitlement, err)
	}
	return profile, nil
}

// ProfileMatchesCertificate reports whether the bundle's certificate is one
// of the developer certificates listed in its provisioning profile.
func (b *Bundle) ProfileMatchesCertificate() (bool, error) {
	profile, err := b.Profile()
	if err != nil {
		return false, err
	}
	return profile.MatchesCertificate(b.certificate), nil
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired at now
func (p *ProvisioningProfile) IsExpired(now time.Time) bool {
	return now.After(p.ExpirationDate)
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this profile
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	// Enterprise/distribution profiles provision all devices
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// GetCertificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate checks if the given certificate matches any certificate in the profile
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}

// EntitlementsXML returns the profile's entitlements as an XML plist.
func (p *ProvisioningProfile) EntitlementsXML() ([]byte, error) {
	if p.Entitlements == nil {
		return nil, fmt.Errorf("provisioning profile has no entitlements")
	}
	data, err := plist.MarshalIndent(p.Entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	return data, nil
}

// EntitlementKeys returns the entitlement names in sorted order.
func (p *ProvisioningProfile) EntitlementKeys() []string {
	keys := make([]string, 0, len(p.Entitlements))
	for k := range p.Entitlements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
