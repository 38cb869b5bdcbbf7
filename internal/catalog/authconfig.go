package catalog

import "fmt"

// AuthType tags the AuthConfig variant. The catalog file stores auth blocks
// as a tagged union; decoding and shape-checking happen once at load time so
// no call site ever probes optional fields.
type AuthType string

const (
	AuthNone         AuthType = "none"
	AuthBasic        AuthType = "basic"
	AuthAPIKeyHeader AuthType = "apikey"
	AuthCustomHeader AuthType = "header"
	AuthOAuth2       AuthType = "oauth2"
)

func (t AuthType) Valid() bool {
	switch t {
	case AuthNone, AuthBasic, AuthAPIKeyHeader, AuthCustomHeader, AuthOAuth2:
		return true
	}
	return false
}

// GrantType selects the OAuth2 grant flow.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantJWTBearer         GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

func (g GrantType) Valid() bool {
	switch g {
	case GrantClientCredentials, GrantJWTBearer:
		return true
	}
	return false
}

// AuthConfig is the closed auth-strategy union. Exactly the fields of the
// tagged variant are populated; Validate rejects partial blocks at catalog
// load. Secret-bearing fields hold ciphertext (or plaintext in development)
// and are decrypted only inside the protocol client, immediately before use.
type AuthConfig struct {
	Type AuthType `yaml:"type"`

	// Basic
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// APIKeyHeader / CustomHeader
	HeaderName  string `yaml:"header_name"`
	HeaderValue string `yaml:"header_value"`

	// OAuth2
	TokenURL     string    `yaml:"token_url"`
	ClientID     string    `yaml:"client_id"`
	ClientSecret string    `yaml:"client_secret"`
	Scope        string    `yaml:"scope"`
	GrantType    GrantType `yaml:"grant_type"`
	Assertion    string    `yaml:"assertion"`
}

// Validate checks that the block is complete for its tagged variant. Partial
// overrides (a type tag with required fields missing) are configuration
// errors and must never reach resolve time.
func (a *AuthConfig) Validate() error {
	switch a.Type {
	case AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
	case AuthAPIKeyHeader, AuthCustomHeader:
		if a.HeaderName == "" || a.HeaderValue == "" {
			return fmt.Errorf("%s auth requires header_name and header_value", a.Type)
		}
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" || a.ClientSecret == "" {
			return fmt.Errorf("oauth2 auth requires token_url, client_id, and client_secret")
		}
		if a.GrantType == "" {
			a.GrantType = GrantClientCredentials
		}
		if !a.GrantType.Valid() {
			return fmt.Errorf("oauth2 auth: unknown grant_type %q", a.GrantType)
		}
		if a.GrantType == GrantJWTBearer && a.Assertion == "" {
			return fmt.Errorf("oauth2 jwt-bearer auth requires an assertion")
		}
	case "":
		return fmt.Errorf("auth block is missing a type")
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// ResolveAuth picks the effective auth strategy from an ordered chain of
// levels: the first non-nil level wins wholesale. There is no field-level
// merging across levels: an instance-service override replaces the entire
// inherited block, and incomplete blocks were already rejected at load.
//
// Call as ResolveAuth(instanceService.Auth, systemService.Auth, instance.Auth).
// The chain is variadic so additional levels can be inserted without
// re-deriving the fallback logic.
func ResolveAuth(levels ...*AuthConfig) *AuthConfig {
	for _, l := range levels {
		if l != nil {
			return l
		}
	}
	return &AuthConfig{Type: AuthNone}
}
