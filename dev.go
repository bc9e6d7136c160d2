package authfilter

// DevIdentity holds the identity published when verification is bypassed in
// local development.
type DevIdentity struct {
	Subject  string
	Audience string
	Name     string
}

// Authentication converts the dev identity into the authentication the stage
// would have published for an equivalent token.
func (d DevIdentity) Authentication() Authentication {
	return Authentication{
		Principal: AuthInfo{
			Subject:  d.Subject,
			Audience: d.Audience,
			Name:     d.Name,
		},
		Authorities: []string{d.Audience},
	}
}

// DefaultDevIdentity returns a baseline identity suitable for local development.
func DefaultDevIdentity(audience string) DevIdentity {
	aud := audience
	if aud == "" {
		aud = "https://dev.local"
	}
	return DevIdentity{
		Subject:  "dev-bypass",
		Audience: aud,
		Name:     "Dev Bypass",
	}
}
