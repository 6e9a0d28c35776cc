// Package jwt signs and verifies the short-lived access tokens handed out next
// to every refresh token. Claims are the subject, role and expiry; validation is
// strict about algorithm, issuer, audience and expiry.
package jwt
