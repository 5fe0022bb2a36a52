// Package integration contains the Platform Integration bounded context.
// This context links a user's account to third-party platforms, keeps their
// credentials encrypted at rest, and mirrors remote records into local storage.
//
// Key concepts:
//   - Connection: Entity holding one user's encrypted credentials for a platform (and optional sub-resource)
//   - SyncedRecord: Entity mirroring one remote record, unique per (user, platform, native id)
//   - SyncAttempt: Append-only log entry of a sync invocation or committed page
//   - PlatformAdapter: Port for fetching remote records with classified errors
//   - TokenRefresher / OAuthProvider: Ports for the platform OAuth protocol
//   - CredentialVault: Port for reversible symmetric encryption of token strings
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
