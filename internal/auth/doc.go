// Package auth provides actor identity and JWT session token verification.
// Tokens are HS256 signed and carry sub, name and role claims; roles are
// agent, supervisor and admin.
package auth
