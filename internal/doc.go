// Package internal holds cross-cutting helpers shared by the authgate root
// package: cryptographic random material (token secrets, one-time codes,
// backup codes) and binding-value hashing. Nothing here is exported outside
// the module.
package internal
