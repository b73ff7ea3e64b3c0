// Package auth provides account management and request authentication for engine-gateway.
//
// # Accounts
//
// Service implements signup, login, account lookup and deletion over a
// store.UserStore. Emails are trimmed and lower-cased before any comparison,
// and signup is restricted to a single configured email domain.
//
// Passwords are hashed with bcrypt. Passwords longer than bcrypt's 72-byte
// input limit are rejected rather than silently truncated. Login returns the
// same ErrInvalidCredentials for an unknown email and for a wrong password,
// and an unknown email still costs one bcrypt comparison.
//
// # Tokens
//
// Access tokens are HS256 JWTs carrying:
//
//   - sub: user ID
//   - email: normalized email
//   - iat, exp: issue and expiry times
//
// Tokens are stateless. There is no revocation list: expiry is the only way a
// token stops working, and rotating the signing secret invalidates every
// outstanding token at once.
//
// # HTTP Middleware
//
//	r.With(auth.HTTPMiddleware(svc)).Get("/auth/me", handler)
//
// Handlers behind the middleware read the caller with FromContext.
package auth
