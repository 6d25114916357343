// Package pkce generates the one-time credentials for an OAuth 2.0
// authorization code flow with Proof Key for Code Exchange (RFC 7636).
//
// A Pair carries an anti-CSRF state token, a high-entropy code verifier and
// the S256 code challenge derived from it. The verifier is a secret: it is
// kept by the client until the token exchange and never placed in the
// authorization URL.
//
// Two challenge encodings are supported and selected explicitly:
//
//   - ModeS256: unpadded base64url of SHA-256(verifier), as required by RFC 7636
//   - ModeHex: lowercase hexadecimal of SHA-256(verifier), for providers that
//     expect that representation
//
// Both modes advertise code_challenge_method=S256 on the wire.
package pkce
