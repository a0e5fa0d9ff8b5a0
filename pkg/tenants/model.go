package tenants

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Credential is the stored OAuth2 configuration of one tenant.
// ClientSecret, ServiceAccessKey and ServiceSecretKey hold vault-sealed values;
// plaintext only ever exists in memory while a token is being acquired.
type Credential struct {
	Tenant           string    `json:"tenant" yaml:"tenant"`
	ClientID         string    `json:"client_id" yaml:"client_id"`
	ClientSecret     string    `json:"client_secret,omitempty" yaml:"client_secret"`
	ServiceAccessKey string    `json:"service_access_key,omitempty" yaml:"service_access_key"`
	ServiceSecretKey string    `json:"service_secret_key,omitempty" yaml:"service_secret_key"`
	IdentityURL      string    `json:"identity_url,omitempty" yaml:"identity_url"`
	PortalURL        string    `json:"portal_url" yaml:"portal_url"`
	TokenURL         string    `json:"token_url" yaml:"token_url"`
	AuthorizationURL string    `json:"authorization_url,omitempty" yaml:"authorization_url"`
	RevokeURL        string    `json:"revoke_url,omitempty" yaml:"revoke_url"`
	Scope            string    `json:"scope,omitempty" yaml:"scope"`
	APIVersion       string    `json:"api_version,omitempty" yaml:"api_version"`
	CompanyCode      string    `json:"company_code,omitempty" yaml:"company_code"` // optional header override
	Identity         string    `json:"identity,omitempty" yaml:"identity"`         // optional header override
	UpdatedAt        time.Time `json:"updated_at" yaml:"-"`
}

// ServiceBaseURL is the gateway base that business services hang off:
// IdentityURL (the ION API endpoint) when set, otherwise PortalURL.
func (c Credential) ServiceBaseURL() string {
	if c.IdentityURL != "" {
		return c.IdentityURL
	}
	return c.PortalURL
}

const redacted = "***"

// Redacted returns a copy safe to hand to API callers.
func (c Credential) Redacted() Credential {
	for _, f := range []*string{&c.ClientSecret, &c.ServiceAccessKey, &c.ServiceSecretKey} {
		if *f != "" {
			*f = redacted
		}
	}
	return c
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidName reports whether s can be used as a tenant name (it ends up in URLs
// and cache keys).
func ValidName(s string) bool { return nameRe.MatchString(s) }

// Validate checks the fields every usable credential needs.
func (c Credential) Validate() error {
	var errs []error
	if !ValidName(c.Tenant) {
		errs = append(errs, fmt.Errorf("tenant: invalid name %q", c.Tenant))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id: required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client_secret: required"))
	}
	if c.TokenURL == "" {
		errs = append(errs, errors.New("token_url: required"))
	}
	if err := checkURL("portal_url", c.PortalURL, true); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]string{
		"identity_url":      c.IdentityURL,
		"authorization_url": c.AuthorizationURL,
		"revoke_url":        c.RevokeURL,
	} {
		if err := checkURL(name, v, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkURL(name, v string, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%s: required", name)
		}
		return nil
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute http(s) URL", name)
	}
	return nil
}

// IdentityRecord is a registered service-account key pair. Provisioning a
// credential requires its key pair to match one of these.
type IdentityRecord struct {
	ID         string    `json:"id" yaml:"id"`
	Tenant     string    `json:"tenant" yaml:"tenant"`
	AccessKey  string    `json:"access_key" yaml:"access_key"`
	SecretHash string    `json:"-" yaml:"secret_hash"` // argon2id PHC string
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
}
