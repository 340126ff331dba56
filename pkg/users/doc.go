// Package users holds the hub's account model: human users created at
// first login or by an administrator, and non-human services that
// authenticate with API tokens. Both convert to rbac.Principal for
// authorization checks.
package users
