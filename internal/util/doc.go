// Package util provides small helpers shared by the other packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - TokenPrefix: The loggable prefix of a token
package util
