package auth

import "context"

// StaticAuthenticator is a development-only authenticator that accepts any
// gwk_ key in the mode it was built with.
type StaticAuthenticator struct {
	mode string
}

func NewStaticAuthenticator(mode string) *StaticAuthenticator {
	if mode != ModeShadow {
		mode = ModeEnforce
	}
	return &StaticAuthenticator{mode: mode}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Caller, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Caller{
		CallerID: "static-" + token[:12],
		Mode:     a.mode,
	}, nil
}
