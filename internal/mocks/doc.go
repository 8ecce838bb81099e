// Package mocks provides shared test doubles for interfaces that several
// packages depend on.
//
// Each mock has a function field per method. Unset fields fall back to the
// mock's default values:
//
//	jwt := &mocks.MockJWTService{
//	    ValidateTokenFn: func(ctx context.Context, token string) (*auth.Claims, error) {
//	        return nil, errors.New("key store offline")
//	    },
//	}
package mocks
