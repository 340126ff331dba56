// Package auth implements the hub's login pipeline.
//
// An Authenticator backend verifies credentials; registered backends
// are "local" (bcrypt hashes in config), "oidc" (OpenID Connect
// redirect flow), and "dummy" (development only). The Gateway wraps a
// backend with the policy every login goes through: username
// normalization, format validation, whitelist enforcement, optional
// backend provisioning, account creation on first login, and session
// token minting.
//
// Backends may additionally implement Provisioner or Normalizer to
// hook those pipeline stages.
package auth
