// Package refresh generates and validates opaque refresh tokens.
//
// # Token format
//
// 32 bytes from crypto/rand, base64url encoded without padding (43 characters).
// The server only ever persists the SHA-256 of the encoded token.
//
// # What this package must NOT do
//
//   - Access Redis, SQL, or any other I/O.
//   - Implement rotation or reuse detection. That lives in internal/flows and
//     the tokens stores.
package refresh
